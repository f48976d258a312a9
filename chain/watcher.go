// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package chain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/spanbridge/spanbridge/metrics"
)

// CursorStore persists per-chain scan progress. The watcher is the only
// writer; advancement must be durable before the next window is fetched.
type CursorStore interface {
	// LastScanned returns the last fully scanned block for the chain and
	// whether a cursor exists at all.
	LastScanned(ctx context.Context, chainID uint64) (uint64, bool, error)

	// Advance moves the cursor to block (inclusive) and accumulates the
	// number of events seen in the window. It must never move the cursor
	// backwards.
	Advance(ctx context.Context, chainID uint64, chainName string, block uint64, blockHash common.Hash, events int) error
}

// Processor consumes decoded bridge events in ascending (blockNumber,
// logIndex) order. Implementations must be idempotent: a crashed window is
// re-presented in full on the next tick.
type Processor interface {
	Process(ctx context.Context, lg Log) error
}

// WatcherConfig binds one watcher to a chain, the events it scans for and
// its pacing parameters.
type WatcherConfig struct {
	Events           []string
	StartBlock       uint64
	PollInterval     time.Duration
	BatchSize        uint64
	MinConfirmations uint64
}

// Watcher is the per-chain scan loop: advance a durable cursor through
// bounded log-query windows and hand each decoded event to the processor.
// Only blocks at least MinConfirmations below the head are scanned, which
// is what makes the cursor an implicit finality mark.
type Watcher struct {
	client Client
	cursor CursorStore
	proc   Processor
	cfg    WatcherConfig
	logger log.Logger
}

// NewWatcher wires a watcher. StartBlock is only consulted when the store
// has no cursor for the chain yet.
func NewWatcher(client Client, cursor CursorStore, proc Processor, cfg WatcherConfig) *Watcher {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	return &Watcher{
		client: client,
		cursor: cursor,
		proc:   proc,
		cfg:    cfg,
		logger: log.New("chain", client.Name()),
	}
}

// Run drives the scan loop until ctx is cancelled. A window either
// completes (all events dispatched, cursor advanced) or is retried whole;
// the cursor never advances over an unfinished window.
func (w *Watcher) Run(ctx context.Context) error {
	last, ok, err := w.cursor.LastScanned(ctx, w.client.ChainID())
	if err != nil {
		return fmt.Errorf("load cursor for %s: %w", w.client.Name(), err)
	}
	if !ok {
		if w.cfg.StartBlock > 0 {
			last = w.cfg.StartBlock - 1
		} else {
			last = 0
		}
	}
	w.logger.Info("Watcher starting", "from", last+1, "events", w.cfg.Events,
		"batch", w.cfg.BatchSize, "confirmations", w.cfg.MinConfirmations)

	for {
		advanced, err := w.scanWindow(ctx, &last)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Watcher stopping", "cursor", last)
				return nil
			}
			w.logger.Warn("Scan window failed, will retry", "after", last, "err", err)
		}
		// Busy-loop through the backlog; sleep only once caught up or on
		// failure.
		if advanced && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopping", "cursor", last)
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// scanWindow processes at most one batch window above *last and advances
// *last on success. It reports whether the cursor moved.
func (w *Watcher) scanWindow(ctx context.Context, last *uint64) (bool, error) {
	head, err := w.client.Head(ctx)
	if err != nil {
		return false, err
	}
	metrics.HeadHeight.WithLabelValues(w.client.Name()).Set(float64(head))

	if head < w.cfg.MinConfirmations {
		return false, nil
	}
	safe := head - w.cfg.MinConfirmations
	if safe <= *last {
		return false, nil
	}

	from := *last + 1
	to := from + w.cfg.BatchSize - 1
	if to > safe {
		to = safe
	}

	logs, err := w.fetchWindow(ctx, from, to)
	if err != nil {
		return false, err
	}

	// Strict ascending order within the window; the fetch returns one
	// slice per event name, so a global sort is required.
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].LogIndex < logs[j].LogIndex
	})

	for _, lg := range logs {
		if err := w.proc.Process(ctx, lg); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if IsRetryable(err) {
				// Abort the whole window; the processor is idempotent
				// and the window will be re-presented next tick.
				return false, fmt.Errorf("process %s %s: %w", lg.Event, lg.TxHash, err)
			}
			// Terminal per-event failure: the event can never be
			// processed, so holding the window hostage only stalls the
			// chain. Skip it loudly.
			w.logger.Error("Skipping event after terminal failure",
				"event", lg.Event, "tx", lg.TxHash, "logIndex", lg.LogIndex, "err", err)
			metrics.EventsSkipped.WithLabelValues(w.client.Name(), lg.Event).Inc()
			continue
		}
		metrics.EventsProcessed.WithLabelValues(w.client.Name(), lg.Event).Inc()
	}

	info, err := w.client.Block(ctx, to)
	if err != nil {
		return false, fmt.Errorf("block %d lookup: %w", to, err)
	}
	if err := w.cursor.Advance(ctx, w.client.ChainID(), w.client.Name(), to, info.Hash, len(logs)); err != nil {
		return false, fmt.Errorf("advance cursor to %d: %w", to, err)
	}
	*last = to
	metrics.CursorHeight.WithLabelValues(w.client.Name()).Set(float64(to))
	if len(logs) > 0 {
		w.logger.Info("Window complete", "from", from, "to", to, "events", len(logs))
	} else {
		w.logger.Debug("Window complete", "from", from, "to", to)
	}
	return true, nil
}

// fetchWindow queries all subscribed events for [from,to], retrying
// transient failures with exponential backoff (base 1s, capped at twice
// the poll interval). Terminal failures surface immediately.
func (w *Watcher) fetchWindow(ctx context.Context, from, to uint64) ([]Log, error) {
	var out []Log
	op := func() error {
		out = out[:0]
		for _, name := range w.cfg.Events {
			logs, err := w.client.FilterBridgeLogs(ctx, name, from, to)
			if err != nil {
				if IsRetryable(err) {
					metrics.RPCRetries.WithLabelValues(w.client.Name(), "filter_logs").Inc()
					return err
				}
				return backoff.Permanent(err)
			}
			out = append(out, logs...)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * w.cfg.PollInterval
	bo.MaxElapsedTime = 4 * w.cfg.PollInterval
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}
