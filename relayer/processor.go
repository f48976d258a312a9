// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package relayer drives withdrawals on target chains for deposits
// observed on source chains: validate, record, sign, idempotency and
// liquidity checks, submit, confirm. One Processor serves one source
// chain; all processors share the store, the signer and the target chain
// clients.
package relayer

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/spanbridge/spanbridge/chain"
	"github.com/spanbridge/spanbridge/config"
	"github.com/spanbridge/spanbridge/metrics"
	"github.com/spanbridge/spanbridge/signer"
	"github.com/spanbridge/spanbridge/store"
	"github.com/spanbridge/spanbridge/validate"
)

// receiptTimeout bounds how long a single submission attempt waits for
// confirmation before it counts as a transient failure.
const receiptTimeout = 5 * time.Minute

// submitAttempts bounds the submission retry loop. Gas and fee data are
// re-read on every attempt.
const submitAttempts = 3

// Store is the slice of the persistence layer the processor needs.
// *store.DB satisfies it; tests use a fake.
type Store interface {
	UpsertPendingTx(ctx context.Context, tx *store.BridgeTx) error
	TxBySourceHash(ctx context.Context, sourceTxHash string) (*store.BridgeTx, error)
	MarkTxRelaying(ctx context.Context, sourceTxHash string) error
	MarkTxCompleted(ctx context.Context, sourceTxHash, targetTxHash string) error
	MarkTxFailed(ctx context.Context, sourceTxHash, reason string) error
	TxsByStatus(ctx context.Context, status string, limit int) ([]*store.BridgeTx, error)
	SaveSignature(ctx context.Context, sourceTxHash, validator, signature string) error
}

// Options are the relayer knobs shared by every processor.
type Options struct {
	Mode               string // config.ModeDirect or config.ModeCollect
	MinConfirmations   uint64
	GasLimitMultiplier float64
	MaxGasPriceGwei    uint64
}

// Processor consumes Deposit events from one source chain. It implements
// chain.Processor and is idempotent: re-presented events are recognized by
// their persisted status and by the on-chain replay map.
type Processor struct {
	source  chain.Client
	targets map[uint64]chain.Client
	store   Store
	signer  *signer.Signer
	opts    Options
	logger  log.Logger
}

// NewProcessor builds the deposit pipeline for one source chain. targets
// must contain a client for every chain withdrawals may land on.
func NewProcessor(source chain.Client, targets map[uint64]chain.Client, st Store, sig *signer.Signer, opts Options) *Processor {
	if opts.GasLimitMultiplier < 1 {
		opts.GasLimitMultiplier = config.DefaultGasLimitMultiplier
	}
	return &Processor{
		source:  source,
		targets: targets,
		store:   st,
		signer:  sig,
		opts:    opts,
		logger:  log.New("chain", source.Name(), "role", "relayer"),
	}
}

// Process handles one Deposit event end to end. Retryable errors bubble up
// so the watcher re-presents the window; terminal conditions are absorbed
// into the persisted transaction status wherever a row exists.
func (p *Processor) Process(ctx context.Context, lg chain.Log) error {
	if lg.Event != chain.EventDeposit {
		return chain.NewTerminal(fmt.Errorf("relayer fed %s event", lg.Event))
	}
	if res := p.validateDeposit(lg); !res.OK() {
		// InvalidEvent: log, skip, write nothing.
		return chain.NewTerminal(fmt.Errorf("invalid deposit %s: %s", lg.TxHash, res))
	}

	// The watcher never scans past head−minConfirmations, so this gate is
	// a defensive double check against a lagging head estimate.
	head, err := p.source.Head(ctx)
	if err != nil {
		return err
	}
	if head < lg.BlockNumber+p.opts.MinConfirmations {
		var depth uint64
		if head > lg.BlockNumber {
			depth = head - lg.BlockNumber
		}
		return chain.NewRetryable(fmt.Errorf("deposit %s has %d confirmations, need %d",
			lg.TxHash, depth, p.opts.MinConfirmations))
	}

	sourceHash := lg.TxHash.Hex()
	if err := p.store.UpsertPendingTx(ctx, &store.BridgeTx{
		SourceTxHash:  sourceHash,
		SourceChainID: lg.ChainID,
		TargetChainID: lg.TargetChainID.Uint64(),
		Token:         lg.Token.Hex(),
		Sender:        lg.Sender.Hex(),
		Recipient:     lg.Recipient.Hex(),
		Amount:        lg.Amount.String(),
		Nonce:         lg.Nonce.Uint64(),
		BlockNumber:   lg.BlockNumber,
	}); err != nil {
		return err // store failure: hold the window
	}

	row, err := p.store.TxBySourceHash(ctx, sourceHash)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("bridge tx %s vanished after upsert", sourceHash)
	}
	if row.Status == store.StatusCompleted || row.Status == store.StatusFailed {
		// Duplicate delivery of a settled deposit.
		p.logger.Debug("Deposit already settled", "tx", sourceHash, "status", row.Status)
		return nil
	}

	if err := p.store.MarkTxRelaying(ctx, sourceHash); err != nil {
		return err
	}
	return p.relay(ctx, lg, sourceHash)
}

func (p *Processor) validateDeposit(lg chain.Log) validate.Result {
	return validate.ValidateDepositParams(validate.DepositParams{
		TransferParams: validate.TransferParams{
			Token:         lg.Token.Hex(),
			Recipient:     lg.Recipient.Hex(),
			Amount:        lg.Amount.String(),
			Nonce:         lg.Nonce.String(),
			SourceChainID: lg.ChainID,
			TargetChainID: lg.TargetChainID.Uint64(),
		},
		Sender:      lg.Sender.Hex(),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	})
}

// relay runs steps 4–6 of the pipeline for a row already in relaying.
func (p *Processor) relay(ctx context.Context, lg chain.Log, sourceHash string) error {
	target, ok := p.targets[lg.TargetChainID.Uint64()]
	if !ok {
		return p.fail(ctx, sourceHash, fmt.Sprintf("no client configured for target chain %d", lg.TargetChainID))
	}

	inner, sig, err := p.signer.SignWithdrawal(
		lg.Token, lg.Recipient, lg.Amount, lg.Nonce, lg.ChainID, lg.TargetChainID.Uint64())
	if err != nil {
		return p.fail(ctx, sourceHash, fmt.Sprintf("signing failed: %v", err))
	}

	processed, err := target.IsProcessed(ctx, inner)
	if err != nil {
		if chain.IsRetryable(err) {
			return err
		}
		return p.fail(ctx, sourceHash, fmt.Sprintf("isProcessed check: %v", err))
	}
	if processed {
		// Replay short circuit: someone (a previous run, another
		// validator's submission) already drove this withdrawal through.
		p.logger.Info("Withdrawal already processed on target", "tx", sourceHash, "target", target.Name())
		metrics.WithdrawalsSubmitted.WithLabelValues(target.Name(), "short_circuit").Inc()
		return p.complete(ctx, sourceHash, "")
	}

	if err := p.checkLiquidity(ctx, target, lg); err != nil {
		if chain.IsRetryable(err) {
			return err
		}
		return p.fail(ctx, sourceHash, err.Error())
	}

	if p.opts.Mode == config.ModeCollect {
		// Store-signatures mode: persist for out-of-band pickup and leave
		// the row in relaying; reconciliation flips it to completed once
		// the withdrawal lands on chain.
		if err := p.store.SaveSignature(ctx, sourceHash, p.signer.Address().Hex(), hexutil.Encode(sig)); err != nil {
			return err
		}
		metrics.SignaturesStored.Inc()
		p.logger.Info("Stored validator signature", "tx", sourceHash, "validator", p.signer.Address())
		return nil
	}

	txHash, err := p.submit(ctx, target, lg, sig)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-submission: leave the row in relaying for the
			// restart reconciliation pass.
			return ctx.Err()
		}
		metrics.WithdrawalsSubmitted.WithLabelValues(target.Name(), "failed").Inc()
		return p.fail(ctx, sourceHash, err.Error())
	}
	metrics.WithdrawalsSubmitted.WithLabelValues(target.Name(), "completed").Inc()
	p.logger.Info("Withdrawal confirmed", "tx", sourceHash, "targetTx", txHash,
		"target", target.Name(), "amount", lg.Amount, "nonce", lg.Nonce)
	return p.complete(ctx, sourceHash, txHash.Hex())
}

// checkLiquidity verifies the target bridge can cover the withdrawal: its
// account balance for the native token, its ERC20 balance otherwise.
func (p *Processor) checkLiquidity(ctx context.Context, target chain.Client, lg chain.Log) error {
	var (
		available *big.Int
		err       error
	)
	if lg.IsNativeToken() {
		available, err = target.Balance(ctx, target.BridgeAddress())
	} else {
		available, err = target.TokenBalance(ctx, lg.Token, target.BridgeAddress())
	}
	if err != nil {
		return err
	}
	if available.Cmp(lg.Amount) < 0 {
		return fmt.Errorf("Insufficient bridge balance on %s: have %s, need %s",
			target.Name(), available, lg.Amount)
	}
	return nil
}

// submit sends the withdraw transaction with gas discipline and waits for
// its confirmed receipt, retrying transient failures with fresh gas data
// on every attempt.
func (p *Processor) submit(ctx context.Context, target chain.Client, lg chain.Log, sig []byte) (common.Hash, error) {
	call := chain.WithdrawCall{
		Token:         lg.Token,
		Recipient:     lg.Recipient,
		Amount:        lg.Amount,
		Nonce:         lg.Nonce,
		SourceChainID: new(big.Int).SetUint64(lg.ChainID),
		Signatures:    [][]byte{sig},
	}
	maxGasPrice := new(big.Int).Mul(new(big.Int).SetUint64(p.opts.MaxGasPriceGwei), big.NewInt(params.GWei))

	var txHash common.Hash
	attempt := 0
	op := func() error {
		attempt++
		gas, err := target.EstimateWithdraw(ctx, call)
		if err != nil {
			return p.submitErr(target, attempt, err)
		}
		gasLimit := uint64(math.Ceil(float64(gas) * p.opts.GasLimitMultiplier))

		gasPrice, err := target.GasPrice(ctx)
		if err != nil {
			return p.submitErr(target, attempt, err)
		}
		// The cap is a ceiling, never a floor.
		if gasPrice.Cmp(maxGasPrice) > 0 {
			gasPrice = maxGasPrice
		}

		hash, err := target.SubmitWithdraw(ctx, call, chain.TxOpts{GasLimit: gasLimit, GasPrice: gasPrice})
		if err != nil {
			return p.submitErr(target, attempt, err)
		}
		receipt, err := target.WaitReceipt(ctx, hash, p.opts.MinConfirmations, receiptTimeout)
		if err != nil {
			return p.submitErr(target, attempt, err)
		}
		if receipt.Status == 0 {
			return backoff.Permanent(fmt.Errorf("withdraw tx %s reverted on %s", hash, target.Name()))
		}
		txHash = hash
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 0 // attempts are the bound
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, submitAttempts-1), ctx)); err != nil {
		return common.Hash{}, err
	}
	return txHash, nil
}

// submitErr folds an attempt failure into the backoff protocol: terminal
// errors stop immediately, cancellation passes through, transient ones are
// retried.
func (p *Processor) submitErr(target chain.Client, attempt int, err error) error {
	if !chain.IsRetryable(err) {
		return backoff.Permanent(err)
	}
	metrics.RPCRetries.WithLabelValues(target.Name(), "submit_withdraw").Inc()
	p.logger.Warn("Withdrawal attempt failed", "target", target.Name(), "attempt", attempt, "err", err)
	return err
}

// complete commits relaying → completed. A store failure here bubbles up
// retryably; the re-presented event will short-circuit on isProcessed.
func (p *Processor) complete(ctx context.Context, sourceHash, targetHash string) error {
	return p.store.MarkTxCompleted(ctx, sourceHash, targetHash)
}

// fail commits relaying → failed with the recorded reason. The event is
// consumed: failed is a terminal state kept for operators.
func (p *Processor) fail(ctx context.Context, sourceHash, reason string) error {
	p.logger.Error("Relay failed", "tx", sourceHash, "reason", reason)
	return p.store.MarkTxFailed(ctx, sourceHash, reason)
}
