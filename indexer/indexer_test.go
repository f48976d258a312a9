// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package indexer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spanbridge/spanbridge/chain"
	"github.com/spanbridge/spanbridge/store"
)

// memStore reproduces the correlation semantics of the SQL store: events
// are unique on (txHash, logIndex), transfers on (nonce, source, target).
type memStore struct {
	mu        sync.Mutex
	events    map[string]*store.Event
	transfers map[string]*store.Transfer // key nonce|src|tgt
	recordErr error
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[string]*store.Event),
		transfers: make(map[string]*store.Transfer),
	}
}

func eventKey(e *store.Event) string {
	return fmt.Sprintf("%s|%d", e.TxHash, e.LogIndex)
}

func transferKey(nonce, src, tgt uint64) string {
	return fmt.Sprintf("%d|%d|%d", nonce, src, tgt)
}

func (m *memStore) RecordDeposit(ctx context.Context, e *store.Event) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return false, false, m.recordErr
	}
	if _, ok := m.events[eventKey(e)]; ok {
		return false, false, nil
	}
	cp := *e
	m.events[eventKey(e)] = &cp

	key := transferKey(e.Nonce, e.ChainID, *e.TargetChainID)
	tr := &store.Transfer{
		DepositTxHash: e.TxHash,
		SourceChainID: e.ChainID,
		TargetChainID: *e.TargetChainID,
		Token:         e.Token,
		Sender:        e.Sender,
		Recipient:     e.Recipient,
		Amount:        e.Amount,
		Nonce:         e.Nonce,
		DepositBlock:  e.BlockNumber,
		DepositTime:   e.BlockTime,
		Status:        store.StatusPending,
	}
	// Reverse match: an already-indexed withdrawal closes the pair.
	for _, we := range m.events {
		if we.EventType == chain.EventWithdraw && we.Nonce == e.Nonce &&
			we.SourceChainID != nil && *we.SourceChainID == e.ChainID && we.ChainID == *e.TargetChainID {
			tr.WithdrawTxHash = we.TxHash
			wb := we.BlockNumber
			tr.WithdrawBlock = &wb
			wt := we.BlockTime
			tr.WithdrawTime = &wt
			tr.Status = store.StatusCompleted
		}
	}
	m.transfers[key] = tr
	return true, tr.Status == store.StatusCompleted, nil
}

func (m *memStore) RecordWithdraw(ctx context.Context, e *store.Event) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return false, false, m.recordErr
	}
	if _, ok := m.events[eventKey(e)]; ok {
		return false, false, nil
	}
	cp := *e
	m.events[eventKey(e)] = &cp

	key := transferKey(e.Nonce, *e.SourceChainID, e.ChainID)
	tr, ok := m.transfers[key]
	if !ok || tr.Status == store.StatusCompleted {
		return true, false, nil
	}
	tr.WithdrawTxHash = e.TxHash
	wb := e.BlockNumber
	tr.WithdrawBlock = &wb
	wt := e.BlockTime
	tr.WithdrawTime = &wt
	tr.Status = store.StatusCompleted
	return true, true, nil
}

func (m *memStore) transfer(nonce, src, tgt uint64) *store.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.transfers[transferKey(nonce, src, tgt)]; ok {
		cp := *tr
		return &cp
	}
	return nil
}

// headerClient serves block timestamps and counts lookups.
type headerClient struct {
	mu      sync.Mutex
	chainID uint64
	lookups int
}

func (h *headerClient) ChainID() uint64               { return h.chainID }
func (h *headerClient) Name() string                  { return "testchain" }
func (h *headerClient) BridgeAddress() common.Address { return common.Address{} }
func (h *headerClient) Close()                        {}
func (h *headerClient) Head(context.Context) (uint64, error) { return 1000, nil }

func (h *headerClient) Block(ctx context.Context, number uint64) (chain.BlockInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookups++
	return chain.BlockInfo{
		Hash: common.BigToHash(new(big.Int).SetUint64(number)),
		Time: time.Unix(1700000000+int64(number), 0).UTC(),
	}, nil
}

func (h *headerClient) FilterBridgeLogs(context.Context, string, uint64, uint64) ([]chain.Log, error) {
	return nil, nil
}
func (h *headerClient) IsProcessed(context.Context, common.Hash) (bool, error) { return false, nil }
func (h *headerClient) Balance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (h *headerClient) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (h *headerClient) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (h *headerClient) EstimateWithdraw(context.Context, chain.WithdrawCall) (uint64, error) {
	return 0, nil
}
func (h *headerClient) SubmitWithdraw(context.Context, chain.WithdrawCall, chain.TxOpts) (common.Hash, error) {
	return common.Hash{}, nil
}
func (h *headerClient) WaitReceipt(context.Context, common.Hash, uint64, time.Duration) (*types.Receipt, error) {
	return nil, nil
}

func depositLog(tx byte, nonce int64) chain.Log {
	return chain.Log{
		Event:         chain.EventDeposit,
		ChainID:       1,
		TxHash:        common.BytesToHash([]byte{tx}),
		LogIndex:      0,
		BlockNumber:   100,
		BlockHash:     common.HexToHash("0x64"),
		Token:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Sender:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Recipient:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Amount:        big.NewInt(1e18),
		Nonce:         big.NewInt(nonce),
		TargetChainID: big.NewInt(137),
	}
}

func withdrawLog(tx byte, nonce int64) chain.Log {
	return chain.Log{
		Event:         chain.EventWithdraw,
		ChainID:       137,
		TxHash:        common.BytesToHash([]byte{tx}),
		LogIndex:      0,
		BlockNumber:   200,
		BlockHash:     common.HexToHash("0xc8"),
		Token:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Recipient:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Amount:        big.NewInt(1e18),
		Nonce:         big.NewInt(nonce),
		SourceChainID: big.NewInt(1),
	}
}

func TestProcessDepositThenWithdraw(t *testing.T) {
	st := newMemStore()
	depProc := NewProcessor(&headerClient{chainID: 1}, st)
	wdProc := NewProcessor(&headerClient{chainID: 137}, st)
	ctx := context.Background()

	require.NoError(t, depProc.Process(ctx, depositLog(1, 7)))
	tr := st.transfer(7, 1, 137)
	require.NotNil(t, tr)
	assert.Equal(t, store.StatusPending, tr.Status)
	assert.Nil(t, tr.WithdrawBlock)

	require.NoError(t, wdProc.Process(ctx, withdrawLog(2, 7)))
	tr = st.transfer(7, 1, 137)
	assert.Equal(t, store.StatusCompleted, tr.Status)
	require.NotNil(t, tr.WithdrawBlock)
	assert.Equal(t, uint64(200), *tr.WithdrawBlock)
	assert.NotNil(t, tr.WithdrawTime)
}

func TestProcessWithdrawBeforeDeposit(t *testing.T) {
	st := newMemStore()
	depProc := NewProcessor(&headerClient{chainID: 1}, st)
	wdProc := NewProcessor(&headerClient{chainID: 137}, st)
	ctx := context.Background()

	// Target chain indexed first: the withdraw event lands with no pair.
	require.NoError(t, wdProc.Process(ctx, withdrawLog(2, 7)))
	assert.Nil(t, st.transfer(7, 1, 137))

	// The deposit arrives later and the transfer is born completed.
	require.NoError(t, depProc.Process(ctx, depositLog(1, 7)))
	tr := st.transfer(7, 1, 137)
	require.NotNil(t, tr)
	assert.Equal(t, store.StatusCompleted, tr.Status)
	assert.Equal(t, withdrawLog(2, 7).TxHash.Hex(), tr.WithdrawTxHash)
}

func TestProcessDuplicateEventsAreNoOps(t *testing.T) {
	st := newMemStore()
	proc := NewProcessor(&headerClient{chainID: 1}, st)
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, depositLog(1, 7)))
	require.NoError(t, proc.Process(ctx, depositLog(1, 7)))

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.events, 1)
	assert.Len(t, st.transfers, 1)
}

func TestProcessInvalidEventIsTerminal(t *testing.T) {
	st := newMemStore()
	proc := NewProcessor(&headerClient{chainID: 1}, st)

	lg := depositLog(1, 7)
	lg.Amount = big.NewInt(0)
	err := proc.Process(context.Background(), lg)
	require.Error(t, err)
	assert.True(t, chain.IsTerminal(err))

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Empty(t, st.events)
}

func TestProcessStoreFailureHoldsWindow(t *testing.T) {
	st := newMemStore()
	st.recordErr = assert.AnError
	proc := NewProcessor(&headerClient{chainID: 1}, st)

	err := proc.Process(context.Background(), depositLog(1, 7))
	require.Error(t, err)
	// Unclassified store errors default to retryable so the watcher
	// re-presents the window instead of skipping the event.
	assert.True(t, chain.IsRetryable(err))
}

func TestProcessCachesBlockTimes(t *testing.T) {
	st := newMemStore()
	client := &headerClient{chainID: 1}
	proc := NewProcessor(client, st)
	ctx := context.Background()

	a := depositLog(1, 1)
	b := depositLog(2, 2)
	b.LogIndex = 1 // same block as a
	require.NoError(t, proc.Process(ctx, a))
	require.NoError(t, proc.Process(ctx, b))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.lookups, "same-block events share one header lookup")
}

func TestProcessStampsBlockTime(t *testing.T) {
	st := newMemStore()
	proc := NewProcessor(&headerClient{chainID: 1}, st)

	require.NoError(t, proc.Process(context.Background(), depositLog(1, 7)))

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, e := range st.events {
		assert.Equal(t, time.Unix(1700000100, 0).UTC(), e.BlockTime)
	}
}
