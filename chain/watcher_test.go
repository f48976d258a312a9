// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChain is an in-memory Client serving canned logs.
type fakeChain struct {
	mu      sync.Mutex
	chainID uint64
	head    uint64
	logs    []Log

	filterErrs []error // popped one per FilterBridgeLogs call
	filters    int
}

func (f *fakeChain) ChainID() uint64               { return f.chainID }
func (f *fakeChain) Name() string                  { return "testchain" }
func (f *fakeChain) BridgeAddress() common.Address { return common.Address{} }
func (f *fakeChain) Close()                        {}

func (f *fakeChain) Head(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) Block(ctx context.Context, number uint64) (BlockInfo, error) {
	return BlockInfo{Hash: common.BigToHash(new(big.Int).SetUint64(number)), Time: time.Unix(1700000000, 0)}, nil
}

func (f *fakeChain) FilterBridgeLogs(ctx context.Context, event string, from, to uint64) ([]Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters++
	if len(f.filterErrs) > 0 {
		err := f.filterErrs[0]
		f.filterErrs = f.filterErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []Log
	for _, lg := range f.logs {
		if lg.Event == event && lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeChain) IsProcessed(context.Context, common.Hash) (bool, error) { return false, nil }
func (f *fakeChain) Balance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeChain) GasPrice(context.Context) (*big.Int, error)            { return big.NewInt(1), nil }
func (f *fakeChain) EstimateWithdraw(context.Context, WithdrawCall) (uint64, error) { return 21000, nil }
func (f *fakeChain) SubmitWithdraw(context.Context, WithdrawCall, TxOpts) (common.Hash, error) {
	return common.Hash{}, nil
}
func (f *fakeChain) WaitReceipt(context.Context, common.Hash, uint64, time.Duration) (*types.Receipt, error) {
	return nil, nil
}

// fakeCursor is an in-memory CursorStore enforcing monotonicity.
type fakeCursor struct {
	mu       sync.Mutex
	last     uint64
	exists   bool
	advances []uint64
}

func (f *fakeCursor) LastScanned(ctx context.Context, chainID uint64) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.exists, nil
}

func (f *fakeCursor) Advance(ctx context.Context, chainID uint64, name string, block uint64, hash common.Hash, events int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exists && block < f.last {
		return errors.New("cursor moved backwards")
	}
	f.last = block
	f.exists = true
	f.advances = append(f.advances, block)
	return nil
}

// recordingProc captures the order of delivered events.
type recordingProc struct {
	mu   sync.Mutex
	seen []Log
	errs map[common.Hash]error // per-tx injected failures, consumed once
}

func (p *recordingProc) Process(ctx context.Context, lg Log) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.errs[lg.TxHash]; ok {
		delete(p.errs, lg.TxHash)
		return err
	}
	p.seen = append(p.seen, lg)
	return nil
}

func depositAt(block uint64, index uint, tx byte) Log {
	return Log{
		Event:       EventDeposit,
		ChainID:     1,
		TxHash:      common.BytesToHash([]byte{tx}),
		LogIndex:    index,
		BlockNumber: block,
		Amount:      big.NewInt(1),
		Nonce:       big.NewInt(int64(tx)),
	}
}

func newTestWatcher(client *fakeChain, cursor *fakeCursor, proc Processor, minConf uint64) *Watcher {
	return NewWatcher(client, cursor, proc, WatcherConfig{
		Events:           []string{EventDeposit},
		PollInterval:     10 * time.Millisecond,
		BatchSize:        100,
		MinConfirmations: minConf,
	})
}

// runUntil drives the watcher until cond holds or the deadline passes.
func runUntil(t *testing.T, w *Watcher, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestWatcherDeliversInOrder(t *testing.T) {
	client := &fakeChain{chainID: 1, head: 200}
	// Inserted deliberately out of order.
	client.logs = []Log{
		depositAt(50, 2, 3),
		depositAt(40, 0, 1),
		depositAt(50, 1, 2),
		depositAt(60, 0, 4),
	}
	cursor := &fakeCursor{}
	proc := &recordingProc{}

	w := newTestWatcher(client, cursor, proc, 12)
	runUntil(t, w, func() bool {
		cursor.mu.Lock()
		defer cursor.mu.Unlock()
		return cursor.exists && cursor.last == 188
	})

	require.Len(t, proc.seen, 4)
	for i := 1; i < len(proc.seen); i++ {
		prev, cur := proc.seen[i-1], proc.seen[i]
		before := prev.BlockNumber < cur.BlockNumber ||
			(prev.BlockNumber == cur.BlockNumber && prev.LogIndex < cur.LogIndex)
		assert.True(t, before, "events out of order at %d", i)
	}
	// Cursor lands on the confirmation-gated safe head, not the raw head.
	assert.Equal(t, uint64(188), cursor.last)
}

func TestWatcherRespectsConfirmationGate(t *testing.T) {
	client := &fakeChain{chainID: 1, head: 100}
	client.logs = []Log{
		depositAt(95, 0, 1), // within 12 of head: must not be scanned
		depositAt(80, 0, 2), // 20 deep: scanned
	}
	cursor := &fakeCursor{}
	proc := &recordingProc{}

	w := newTestWatcher(client, cursor, proc, 12)
	runUntil(t, w, func() bool {
		cursor.mu.Lock()
		defer cursor.mu.Unlock()
		return cursor.exists && cursor.last == 88
	})

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.seen, 1)
	assert.Equal(t, uint64(80), proc.seen[0].BlockNumber)
}

func TestWatcherStartsAtConfiguredBlock(t *testing.T) {
	client := &fakeChain{chainID: 1, head: 500}
	client.logs = []Log{
		depositAt(10, 0, 1), // below start block: never delivered
		depositAt(400, 0, 2),
	}
	cursor := &fakeCursor{}
	proc := &recordingProc{}

	w := NewWatcher(client, cursor, proc, WatcherConfig{
		Events:           []string{EventDeposit},
		StartBlock:       300,
		PollInterval:     10 * time.Millisecond,
		BatchSize:        1000,
		MinConfirmations: 12,
	})
	runUntil(t, w, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.seen) == 1
	})

	assert.Equal(t, uint64(400), proc.seen[0].BlockNumber)
}

func TestWatcherResumesFromCursor(t *testing.T) {
	client := &fakeChain{chainID: 1, head: 500}
	client.logs = []Log{
		depositAt(100, 0, 1), // before the cursor: already scanned
		depositAt(250, 0, 2),
	}
	cursor := &fakeCursor{last: 200, exists: true}
	proc := &recordingProc{}

	w := newTestWatcher(client, cursor, proc, 12)
	runUntil(t, w, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.seen) == 1
	})

	assert.Equal(t, uint64(250), proc.seen[0].BlockNumber)
}

func TestWatcherBatchesWindows(t *testing.T) {
	client := &fakeChain{chainID: 1, head: 1000}
	cursor := &fakeCursor{}
	proc := &recordingProc{}

	w := NewWatcher(client, cursor, proc, WatcherConfig{
		Events:           []string{EventDeposit},
		PollInterval:     10 * time.Millisecond,
		BatchSize:        100,
		MinConfirmations: 0,
	})
	runUntil(t, w, func() bool {
		cursor.mu.Lock()
		defer cursor.mu.Unlock()
		return cursor.last == 1000
	})

	cursor.mu.Lock()
	defer cursor.mu.Unlock()
	// Windows of 100 blocks: 100, 200, ..., 1000.
	require.NotEmpty(t, cursor.advances)
	assert.Equal(t, uint64(100), cursor.advances[0])
	for i := 1; i < len(cursor.advances); i++ {
		assert.Equal(t, cursor.advances[i-1]+100, cursor.advances[i])
	}
}

func TestWatcherHoldsWindowOnRetryableFailure(t *testing.T) {
	client := &fakeChain{chainID: 1, head: 100}
	client.logs = []Log{
		depositAt(50, 0, 1),
		depositAt(51, 0, 2),
	}
	cursor := &fakeCursor{}
	proc := &recordingProc{
		errs: map[common.Hash]error{
			common.BytesToHash([]byte{1}): NewRetryable(errors.New("db hiccup")),
		},
	}

	w := newTestWatcher(client, cursor, proc, 0)
	runUntil(t, w, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.seen) == 2
	})

	// The failed window was re-presented in full: event 1 was retried and
	// delivered before the cursor advanced past it.
	proc.mu.Lock()
	seen := append([]Log(nil), proc.seen...)
	proc.mu.Unlock()
	assert.Equal(t, common.BytesToHash([]byte{1}), seen[0].TxHash)
	assert.Equal(t, common.BytesToHash([]byte{2}), seen[1].TxHash)
}

func TestWatcherSkipsTerminalEvent(t *testing.T) {
	client := &fakeChain{chainID: 1, head: 100}
	client.logs = []Log{
		depositAt(50, 0, 1),
		depositAt(51, 0, 2),
	}
	cursor := &fakeCursor{}
	proc := &recordingProc{
		errs: map[common.Hash]error{
			common.BytesToHash([]byte{1}): NewTerminal(errors.New("malformed event")),
		},
	}

	w := newTestWatcher(client, cursor, proc, 0)
	runUntil(t, w, func() bool {
		cursor.mu.Lock()
		defer cursor.mu.Unlock()
		return cursor.exists && cursor.last == 100
	})

	// The poisoned event is skipped, the rest of the window proceeds.
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.seen, 1)
	assert.Equal(t, common.BytesToHash([]byte{2}), proc.seen[0].TxHash)
}

func TestWatcherRetriesFetchFailures(t *testing.T) {
	client := &fakeChain{chainID: 1, head: 100}
	client.logs = []Log{depositAt(50, 0, 1)}
	client.filterErrs = []error{
		NewRetryable(errors.New("502 bad gateway")),
		NewRetryable(errors.New("timeout")),
	}
	cursor := &fakeCursor{}
	proc := &recordingProc{}

	w := newTestWatcher(client, cursor, proc, 0)
	runUntil(t, w, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.seen) == 1
	})

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.GreaterOrEqual(t, client.filters, 3)
}

func TestWatcherIdleBelowConfirmationDepth(t *testing.T) {
	client := &fakeChain{chainID: 1, head: 5}
	cursor := &fakeCursor{}
	proc := &recordingProc{}

	w := newTestWatcher(client, cursor, proc, 12)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	cursor.mu.Lock()
	defer cursor.mu.Unlock()
	assert.False(t, cursor.exists, "cursor must not move while the chain is shorter than the confirmation depth")
}
