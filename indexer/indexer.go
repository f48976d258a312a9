// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package indexer observes Deposit and Withdraw events on every
// configured chain, records them as deduplicated raw events and
// correlates them into end-to-end Transfer records. It shares no state
// with the relayer; the chain itself is the only channel between the two
// services.
package indexer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/spanbridge/spanbridge/chain"
	"github.com/spanbridge/spanbridge/config"
	"github.com/spanbridge/spanbridge/metrics"
	"github.com/spanbridge/spanbridge/store"
	"github.com/spanbridge/spanbridge/validate"
)

// Store is the slice of the persistence layer the indexer writes through.
// Both record operations are atomic per event: the raw event insert and
// the transfer side effect commit together or not at all.
type Store interface {
	RecordDeposit(ctx context.Context, e *store.Event) (created, completed bool, err error)
	RecordWithdraw(ctx context.Context, e *store.Event) (created, matched bool, err error)
}

// Processor consumes both bridge events from one chain. It implements
// chain.Processor; idempotency comes from the (txHash, logIndex) natural
// key, so re-presented windows collapse into no-ops.
type Processor struct {
	client chain.Client
	store  Store
	logger log.Logger

	// blockTimes caches header lookups within the current scan windows.
	// Bounded: cleared once it outgrows a window's worth of blocks.
	blockTimes map[uint64]chain.BlockInfo
}

// NewProcessor builds the indexing pipeline for one chain.
func NewProcessor(client chain.Client, st Store) *Processor {
	return &Processor{
		client:     client,
		store:      st,
		logger:     log.New("chain", client.Name(), "role", "indexer"),
		blockTimes: make(map[uint64]chain.BlockInfo),
	}
}

// Process records one event and maintains its transfer correlation.
func (p *Processor) Process(ctx context.Context, lg chain.Log) error {
	if res := p.validateEvent(lg); !res.OK() {
		return chain.NewTerminal(fmt.Errorf("invalid %s %s: %s", lg.Event, lg.TxHash, res))
	}
	info, err := p.blockInfo(ctx, lg.BlockNumber)
	if err != nil {
		return err
	}

	e := &store.Event{
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    uint64(lg.LogIndex),
		EventType:   lg.Event,
		ChainID:     lg.ChainID,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		BlockTime:   info.Time,
		Token:       lg.Token.Hex(),
		Recipient:   lg.Recipient.Hex(),
		Amount:      lg.Amount.String(),
		Nonce:       lg.Nonce.Uint64(),
	}

	switch lg.Event {
	case chain.EventDeposit:
		e.Sender = lg.Sender.Hex()
		tgt := lg.TargetChainID.Uint64()
		e.TargetChainID = &tgt

		created, completed, err := p.store.RecordDeposit(ctx, e)
		if err != nil {
			return err
		}
		if !created {
			p.logger.Debug("Duplicate deposit event", "tx", e.TxHash, "logIndex", e.LogIndex)
			return nil
		}
		if completed {
			// The withdrawal was indexed first on the target chain.
			metrics.TransfersCompleted.Inc()
			p.logger.Info("Deposit matched earlier withdrawal", "tx", e.TxHash, "nonce", e.Nonce)
		} else {
			p.logger.Info("Deposit indexed", "tx", e.TxHash, "nonce", e.Nonce, "amount", e.Amount)
		}

	case chain.EventWithdraw:
		src := lg.SourceChainID.Uint64()
		e.SourceChainID = &src

		created, matched, err := p.store.RecordWithdraw(ctx, e)
		if err != nil {
			return err
		}
		if !created {
			p.logger.Debug("Duplicate withdraw event", "tx", e.TxHash, "logIndex", e.LogIndex)
			return nil
		}
		if matched {
			metrics.TransfersCompleted.Inc()
			p.logger.Info("Transfer completed", "tx", e.TxHash, "nonce", e.Nonce)
		} else {
			// Cross-chain ordering: the deposit's chain is simply behind.
			// RecordDeposit closes the pair when it arrives.
			p.logger.Warn("Withdraw indexed before its deposit", "tx", e.TxHash,
				"nonce", e.Nonce, "sourceChain", src)
		}

	default:
		return chain.NewTerminal(fmt.Errorf("indexer fed %s event", lg.Event))
	}
	return nil
}

func (p *Processor) validateEvent(lg chain.Log) validate.Result {
	params := validate.TransferParams{
		Token:     lg.Token.Hex(),
		Recipient: lg.Recipient.Hex(),
		Amount:    lg.Amount.String(),
		Nonce:     lg.Nonce.String(),
	}
	switch lg.Event {
	case chain.EventDeposit:
		params.SourceChainID = lg.ChainID
		params.TargetChainID = lg.TargetChainID.Uint64()
		return validate.ValidateDepositParams(validate.DepositParams{
			TransferParams: params,
			Sender:         lg.Sender.Hex(),
			TxHash:         lg.TxHash.Hex(),
			BlockNumber:    lg.BlockNumber,
		})
	case chain.EventWithdraw:
		params.SourceChainID = lg.SourceChainID.Uint64()
		params.TargetChainID = lg.ChainID
		return validate.ValidateWithdrawParams(validate.WithdrawParams{
			TransferParams: params,
			TxHash:         lg.TxHash.Hex(),
			BlockNumber:    lg.BlockNumber,
		})
	}
	var r validate.Result
	r.Errors = append(r.Errors, fmt.Sprintf("unknown event type %q", lg.Event))
	return r
}

func (p *Processor) blockInfo(ctx context.Context, number uint64) (chain.BlockInfo, error) {
	if info, ok := p.blockTimes[number]; ok {
		return info, nil
	}
	info, err := p.client.Block(ctx, number)
	if err != nil {
		return chain.BlockInfo{}, err
	}
	if len(p.blockTimes) > 4096 {
		p.blockTimes = make(map[uint64]chain.BlockInfo)
	}
	p.blockTimes[number] = info
	return info, nil
}

// Service assembles the indexer: one dual-event watcher per chain over a
// shared store.
type Service struct {
	clients  map[uint64]chain.Client
	watchers []*chain.Watcher
}

// New dials every configured chain read-only and wires the watcher →
// processor pipelines. The caller owns db.
func New(ctx context.Context, cfg *config.Config, db *store.DB) (*Service, error) {
	s := &Service{clients: make(map[uint64]chain.Client)}
	for i := range cfg.Chains {
		cc := &cfg.Chains[i]
		client, err := chain.Dial(ctx, cc.RPCURL, cc.ChainID, cc.Name, cc.Bridge(), nil)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("dial chain %s: %w", cc.Name, err)
		}
		s.clients[cc.ChainID] = client
		s.watchers = append(s.watchers, chain.NewWatcher(client, db, NewProcessor(client, db), chain.WatcherConfig{
			Events:           []string{chain.EventDeposit, chain.EventWithdraw},
			StartBlock:       cc.StartBlock,
			PollInterval:     cfg.PollInterval(),
			BatchSize:        cfg.BatchSize,
			MinConfirmations: cfg.MinConfirmations,
		}))
	}
	return s, nil
}

// Run drives all watchers until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.watchers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// Close releases the chain clients.
func (s *Service) Close() {
	for _, c := range s.clients {
		c.Close()
	}
}
