// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package chain adapts one EVM JSON-RPC endpoint for the bridge
// coordination plane and runs the per-chain event watchers. The adaptor is
// a pure I/O layer: it classifies failures (errors.go) but never retries,
// and it decodes Bridge contract logs (contract.go) into normalized events.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// receiptPollInterval is how often WaitReceipt re-checks for inclusion.
const receiptPollInterval = 2 * time.Second

// erc20BalanceOfSelector is the first four bytes of
// keccak256("balanceOf(address)").
var erc20BalanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// BlockInfo carries the two block attributes the pipeline needs.
type BlockInfo struct {
	Hash common.Hash
	Time time.Time
}

// WithdrawCall is a fully-resolved withdraw(...) invocation on the target
// chain's Bridge contract.
type WithdrawCall struct {
	Token         common.Address
	Recipient     common.Address
	Amount        *big.Int
	Nonce         *big.Int
	SourceChainID *big.Int
	Signatures    [][]byte
}

// TxOpts are the gas parameters for a submission, resolved by the caller
// under its own gas discipline.
type TxOpts struct {
	GasLimit uint64
	GasPrice *big.Int
}

// Client abstracts one EVM endpoint bound to one Bridge contract. All
// methods are cancellable through their context; all errors are classified
// retryable or terminal.
type Client interface {
	ChainID() uint64
	Name() string
	BridgeAddress() common.Address

	Head(ctx context.Context) (uint64, error)
	Block(ctx context.Context, number uint64) (BlockInfo, error)
	FilterBridgeLogs(ctx context.Context, event string, from, to uint64) ([]Log, error)
	IsProcessed(ctx context.Context, messageHash common.Hash) (bool, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateWithdraw(ctx context.Context, call WithdrawCall) (uint64, error)
	SubmitWithdraw(ctx context.Context, call WithdrawCall, opts TxOpts) (common.Hash, error)
	WaitReceipt(ctx context.Context, txHash common.Hash, confirmations uint64, timeout time.Duration) (*types.Receipt, error)

	Close()
}

// ethClient is the production Client over go-ethereum's ethclient.
type ethClient struct {
	eth     *ethclient.Client
	rpc     *rpc.Client
	chainID uint64
	name    string
	bridge  common.Address

	// key is nil for read-only (indexer) clients. With a key set the
	// client can submit withdraw transactions signed by that key.
	key  *ecdsa.PrivateKey
	from common.Address

	logger log.Logger
}

// Dial connects to an EVM endpoint and verifies the remote chain id
// matches the configured one. key may be nil for read-only use.
func Dial(ctx context.Context, rawurl string, chainID uint64, name string, bridge common.Address, key *ecdsa.PrivateKey) (Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, NewRetryable(fmt.Errorf("dial %s: %w", name, err))
	}
	c := &ethClient{
		eth:     ethclient.NewClient(rpcClient),
		rpc:     rpcClient,
		chainID: chainID,
		name:    name,
		bridge:  bridge,
		key:     key,
		logger:  log.New("chain", name),
	}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	remote, err := c.eth.ChainID(ctx)
	if err != nil {
		c.Close()
		return nil, Classify(fmt.Errorf("chain id probe on %s: %w", name, err))
	}
	if remote.Uint64() != chainID {
		c.Close()
		return nil, NewTerminal(fmt.Errorf("endpoint %s reports chain id %d, configured %d", name, remote.Uint64(), chainID))
	}
	return c, nil
}

func (c *ethClient) ChainID() uint64               { return c.chainID }
func (c *ethClient) Name() string                  { return c.name }
func (c *ethClient) BridgeAddress() common.Address { return c.bridge }

func (c *ethClient) Close() {
	c.eth.Close()
}

func (c *ethClient) Head(ctx context.Context) (uint64, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, Classify(fmt.Errorf("head: %w", err))
	}
	return head, nil
}

func (c *ethClient) Block(ctx context.Context, number uint64) (BlockInfo, error) {
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return BlockInfo{}, NewTerminal(fmt.Errorf("block %d not found: %w", number, err))
		}
		return BlockInfo{}, Classify(fmt.Errorf("block %d: %w", number, err))
	}
	return BlockInfo{
		Hash: header.Hash(),
		Time: time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

func (c *ethClient) FilterBridgeLogs(ctx context.Context, event string, from, to uint64) ([]Log, error) {
	topic, err := EventTopic(event)
	if err != nil {
		return nil, NewTerminal(err)
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.bridge},
		Topics:    [][]common.Hash{{topic}},
	}
	raw, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, Classify(fmt.Errorf("filter %s [%d,%d]: %w", event, from, to, err))
	}
	logs := make([]Log, 0, len(raw))
	for _, rl := range raw {
		if rl.Removed {
			// Reorged-out log delivered by a lagging provider. The
			// confirmation-gated scan window should make this
			// unreachable; drop it rather than feed the pipeline.
			c.logger.Warn("Dropping removed log", "event", event, "tx", rl.TxHash, "block", rl.BlockNumber)
			continue
		}
		decoded, err := DecodeBridgeLog(c.chainID, event, rl)
		if err != nil {
			return nil, err
		}
		logs = append(logs, decoded)
	}
	return logs, nil
}

func (c *ethClient) IsProcessed(ctx context.Context, messageHash common.Hash) (bool, error) {
	data, err := bridgeABI.Pack("isProcessed", messageHash)
	if err != nil {
		return false, NewTerminal(fmt.Errorf("pack isProcessed: %w", err))
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.bridge, Data: data}, nil)
	if err != nil {
		return false, Classify(fmt.Errorf("isProcessed call: %w", err))
	}
	results, err := bridgeABI.Unpack("isProcessed", out)
	if err != nil || len(results) != 1 {
		return false, NewTerminal(fmt.Errorf("unpack isProcessed: %w", err))
	}
	processed, ok := results[0].(bool)
	if !ok {
		return false, NewTerminal(fmt.Errorf("isProcessed returned %T, want bool", results[0]))
	}
	return processed, nil
}

func (c *ethClient) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, Classify(fmt.Errorf("balance %s: %w", addr, err))
	}
	return balance, nil
}

func (c *ethClient) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data := append(append([]byte{}, erc20BalanceOfSelector...), common.LeftPadBytes(holder.Bytes(), 32)...)
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, Classify(fmt.Errorf("balanceOf %s on %s: %w", holder, token, err))
	}
	if len(out) < 32 {
		return nil, NewTerminal(fmt.Errorf("balanceOf on %s returned %d bytes, want 32", token, len(out)))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

func (c *ethClient) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, Classify(fmt.Errorf("gas price: %w", err))
	}
	return price, nil
}

func (c *ethClient) packWithdraw(call WithdrawCall) ([]byte, error) {
	data, err := bridgeABI.Pack("withdraw",
		call.Token, call.Recipient, call.Amount, call.Nonce, call.SourceChainID, call.Signatures)
	if err != nil {
		return nil, NewTerminal(fmt.Errorf("pack withdraw: %w", err))
	}
	return data, nil
}

func (c *ethClient) EstimateWithdraw(ctx context.Context, call WithdrawCall) (uint64, error) {
	data, err := c.packWithdraw(call)
	if err != nil {
		return 0, err
	}
	msg := ethereum.CallMsg{From: c.from, To: &c.bridge, Data: data}
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, Classify(fmt.Errorf("estimate withdraw: %w", err))
	}
	return gas, nil
}

func (c *ethClient) SubmitWithdraw(ctx context.Context, call WithdrawCall, opts TxOpts) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, NewTerminal(errors.New("client has no signing key"))
	}
	data, err := c.packWithdraw(call)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, Classify(fmt.Errorf("pending nonce: %w", err))
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.bridge,
		Value:    common.Big0,
		Gas:      opts.GasLimit,
		GasPrice: opts.GasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(c.chainID)), c.key)
	if err != nil {
		return common.Hash{}, NewTerminal(fmt.Errorf("sign withdraw tx: %w", err))
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, Classify(fmt.Errorf("send withdraw tx: %w", err))
	}
	c.logger.Debug("Submitted withdraw", "tx", signed.Hash(), "gas", opts.GasLimit, "gasPrice", opts.GasPrice)
	return signed.Hash(), nil
}

// WaitReceipt polls for the receipt of txHash and then for the configured
// confirmation depth on top of it. It returns the receipt regardless of
// its status field; interpreting a reverted receipt is the caller's job.
func (c *ethClient) WaitReceipt(ctx context.Context, txHash common.Hash, confirmations uint64, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		if receipt == nil {
			r, err := c.eth.TransactionReceipt(ctx, txHash)
			switch {
			case err == nil:
				receipt = r
			case errors.Is(err, ethereum.NotFound):
				// not mined yet
			case ctx.Err() != nil:
				return nil, waitErr(ctx, txHash)
			default:
				c.logger.Debug("Receipt poll failed", "tx", txHash, "err", err)
			}
		}
		if receipt != nil {
			head, err := c.eth.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+confirmations {
				return receipt, nil
			}
			if ctx.Err() != nil {
				return nil, waitErr(ctx, txHash)
			}
		}
		select {
		case <-ctx.Done():
			return nil, waitErr(ctx, txHash)
		case <-ticker.C:
		}
	}
}

// waitErr keeps caller cancellation bare but classifies the adaptor's own
// deadline as retryable, so a slow inclusion can be retried while a
// shutdown is not.
func waitErr(ctx context.Context, txHash common.Hash) error {
	if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
		return NewRetryable(fmt.Errorf("tx %s not confirmed in time", txHash))
	}
	return ctx.Err()
}
