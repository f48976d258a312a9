// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const eventColumns = `id, tx_hash, log_index, event_type, chain_id, block_number, block_hash, block_time,
	token, COALESCE(sender, ''), recipient, amount, nonce, source_chain_id, target_chain_id`

const transferColumns = `id, deposit_tx_hash, COALESCE(withdraw_tx_hash, ''), source_chain_id, target_chain_id,
	token, sender, recipient, amount, nonce, deposit_block, withdraw_block, deposit_time, withdraw_time, status`

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var (
		e        Event
		src, tgt sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.TxHash, &e.LogIndex, &e.EventType, &e.ChainID, &e.BlockNumber, &e.BlockHash,
		&e.BlockTime, &e.Token, &e.Sender, &e.Recipient, &e.Amount, &e.Nonce, &src, &tgt)
	if err != nil {
		return nil, err
	}
	if src.Valid {
		v := uint64(src.Int64)
		e.SourceChainID = &v
	}
	if tgt.Valid {
		v := uint64(tgt.Int64)
		e.TargetChainID = &v
	}
	return &e, nil
}

func scanTransfer(row interface{ Scan(...any) error }) (*Transfer, error) {
	var (
		t     Transfer
		block sql.NullInt64
		when  sql.NullTime
	)
	err := row.Scan(&t.ID, &t.DepositTxHash, &t.WithdrawTxHash, &t.SourceChainID, &t.TargetChainID,
		&t.Token, &t.Sender, &t.Recipient, &t.Amount, &t.Nonce, &t.DepositBlock, &block, &t.DepositTime, &when, &t.Status)
	if err != nil {
		return nil, err
	}
	if block.Valid {
		v := uint64(block.Int64)
		t.WithdrawBlock = &v
	}
	if when.Valid {
		v := when.Time
		t.WithdrawTime = &v
	}
	return &t, nil
}

// insertEvent writes the raw event inside tx and reports whether a new row
// was created (false means the (txHash, logIndex) pair was already
// recorded).
func insertEvent(ctx context.Context, tx *sql.Tx, e *Event) (bool, error) {
	var src, tgt sql.NullInt64
	if e.SourceChainID != nil {
		src = sql.NullInt64{Int64: int64(*e.SourceChainID), Valid: true}
	}
	if e.TargetChainID != nil {
		tgt = sql.NullInt64{Int64: int64(*e.TargetChainID), Valid: true}
	}
	var sender sql.NullString
	if e.Sender != "" {
		sender = sql.NullString{String: strings.ToLower(e.Sender), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO bridge_events
			(id, tx_hash, log_index, event_type, chain_id, block_number, block_hash, block_time,
			 token, sender, recipient, amount, nonce, source_chain_id, target_chain_id)
		VALUES ($1, lower($2), $3, $4, $5, $6, lower($7), $8, lower($9), $10, lower($11), $12, $13, $14, $15)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		uuid.NewString(), e.TxHash, int64(e.LogIndex), e.EventType, int64(e.ChainID), int64(e.BlockNumber),
		e.BlockHash, e.BlockTime, e.Token, sender, e.Recipient, e.Amount, int64(e.Nonce), src, tgt)
	if err != nil {
		return false, fmt.Errorf("insert event %s/%d: %w", e.TxHash, e.LogIndex, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordDeposit atomically stores a Deposit event and upserts its
// Transfer. When the matching withdrawal was indexed first (cross-chain
// ordering), the transfer is created already completed with the withdraw
// fields filled in. It reports (created, completed).
func (db *DB) RecordDeposit(ctx context.Context, e *Event) (bool, bool, error) {
	if e.TargetChainID == nil {
		return false, false, errors.New("deposit event without target chain id")
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("begin deposit tx: %w", err)
	}
	defer tx.Rollback()

	created, err := insertEvent(ctx, tx, e)
	if err != nil {
		return false, false, err
	}
	if !created {
		return false, false, nil
	}

	// Reverse match: a withdrawal for this (nonce, sourceChain) pair may
	// already be indexed on the target chain.
	var (
		wTxHash  string
		wBlock   int64
		wTime    time.Time
		complete bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT tx_hash, block_number, block_time FROM bridge_events
		WHERE event_type = 'Withdraw' AND nonce = $1 AND source_chain_id = $2 AND chain_id = $3
		LIMIT 1`,
		int64(e.Nonce), int64(e.ChainID), int64(*e.TargetChainID)).Scan(&wTxHash, &wBlock, &wTime)
	switch {
	case err == nil:
		complete = true
	case errors.Is(err, sql.ErrNoRows):
	default:
		return false, false, fmt.Errorf("reverse match for %s: %w", e.TxHash, err)
	}

	if complete {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transfers
				(id, deposit_tx_hash, withdraw_tx_hash, source_chain_id, target_chain_id, token, sender,
				 recipient, amount, nonce, deposit_block, withdraw_block, deposit_time, withdraw_time, status)
			VALUES ($1, lower($2), lower($3), $4, $5, lower($6), lower($7), lower($8), $9, $10, $11, $12, $13, $14, 'completed')
			ON CONFLICT (deposit_tx_hash) DO NOTHING`,
			uuid.NewString(), e.TxHash, wTxHash, int64(e.ChainID), int64(*e.TargetChainID), e.Token, e.Sender,
			e.Recipient, e.Amount, int64(e.Nonce), int64(e.BlockNumber), wBlock, e.BlockTime, wTime)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transfers
				(id, deposit_tx_hash, source_chain_id, target_chain_id, token, sender,
				 recipient, amount, nonce, deposit_block, deposit_time, status)
			VALUES ($1, lower($2), $3, $4, lower($5), lower($6), lower($7), $8, $9, $10, $11, 'pending')
			ON CONFLICT (deposit_tx_hash) DO NOTHING`,
			uuid.NewString(), e.TxHash, int64(e.ChainID), int64(*e.TargetChainID), e.Token, e.Sender,
			e.Recipient, e.Amount, int64(e.Nonce), int64(e.BlockNumber), e.BlockTime)
	}
	if err != nil {
		return false, false, fmt.Errorf("upsert transfer for %s: %w", e.TxHash, err)
	}
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("commit deposit %s: %w", e.TxHash, err)
	}
	return true, complete, nil
}

// RecordWithdraw atomically stores a Withdraw event and completes the
// matching transfer if its deposit has been indexed. It reports
// (created, matched); an unmatched withdrawal is expected when chains are
// indexed out of order and is picked up by RecordDeposit's reverse match.
func (db *DB) RecordWithdraw(ctx context.Context, e *Event) (bool, bool, error) {
	if e.SourceChainID == nil {
		return false, false, errors.New("withdraw event without source chain id")
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("begin withdraw tx: %w", err)
	}
	defer tx.Rollback()

	created, err := insertEvent(ctx, tx, e)
	if err != nil {
		return false, false, err
	}
	if !created {
		return false, false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE transfers SET
			withdraw_tx_hash = lower($4),
			withdraw_block   = $5,
			withdraw_time    = $6,
			status           = 'completed'
		WHERE nonce = $1 AND source_chain_id = $2 AND target_chain_id = $3 AND status <> 'completed'`,
		int64(e.Nonce), int64(*e.SourceChainID), int64(e.ChainID),
		e.TxHash, int64(e.BlockNumber), e.BlockTime)
	if err != nil {
		return false, false, fmt.Errorf("complete transfer for %s: %w", e.TxHash, err)
	}
	matched, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("commit withdraw %s: %w", e.TxHash, err)
	}
	return true, matched > 0, nil
}

// RecentEvents lists indexed events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	return db.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM bridge_events ORDER BY block_number DESC, log_index DESC LIMIT $1`,
		clampLimit(limit))
}

// EventsByChain lists one chain's events, newest first.
func (db *DB) EventsByChain(ctx context.Context, chainID uint64, limit int) ([]*Event, error) {
	return db.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM bridge_events WHERE chain_id = $1
		 ORDER BY block_number DESC, log_index DESC LIMIT $2`,
		int64(chainID), clampLimit(limit))
}

// EventsByAddress lists events where addr is the sender or recipient.
func (db *DB) EventsByAddress(ctx context.Context, addr string, limit int) ([]*Event, error) {
	return db.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM bridge_events WHERE sender = lower($1) OR recipient = lower($1)
		 ORDER BY block_number DESC, log_index DESC LIMIT $2`,
		addr, clampLimit(limit))
}

func (db *DB) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Transfers lists transfers, optionally filtered by status, newest deposit
// first.
func (db *DB) Transfers(ctx context.Context, status string, limit int) ([]*Transfer, error) {
	if status != "" {
		return db.queryTransfers(ctx,
			`SELECT `+transferColumns+` FROM transfers WHERE status = $1
			 ORDER BY deposit_block DESC LIMIT $2`,
			status, clampLimit(limit))
	}
	return db.queryTransfers(ctx,
		`SELECT `+transferColumns+` FROM transfers ORDER BY deposit_block DESC LIMIT $1`,
		clampLimit(limit))
}

// PendingTransfers lists transfers still waiting for their withdrawal.
func (db *DB) PendingTransfers(ctx context.Context, limit int) ([]*Transfer, error) {
	return db.Transfers(ctx, StatusPending, limit)
}

// TransfersByAddress lists transfers where addr is the sender or
// recipient.
func (db *DB) TransfersByAddress(ctx context.Context, addr string, limit int) ([]*Transfer, error) {
	return db.queryTransfers(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE sender = lower($1) OR recipient = lower($1)
		 ORDER BY deposit_block DESC LIMIT $2`,
		addr, clampLimit(limit))
}

// TransferByDepositTx returns the transfer for a deposit hash, or nil.
func (db *DB) TransferByDepositTx(ctx context.Context, depositTxHash string) (*Transfer, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE deposit_tx_hash = lower($1)`,
		depositTxHash)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transfer %s: %w", depositTxHash, err)
	}
	return t, nil
}

func (db *DB) queryTransfers(ctx context.Context, query string, args ...any) ([]*Transfer, error) {
	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
