// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const bridgeTxColumns = `id, source_tx_hash, COALESCE(target_tx_hash, ''), source_chain_id, target_chain_id,
	token, sender, recipient, amount, nonce, block_number, status, COALESCE(error, ''), created_at, updated_at`

func scanBridgeTx(row interface{ Scan(...any) error }) (*BridgeTx, error) {
	var t BridgeTx
	err := row.Scan(&t.ID, &t.SourceTxHash, &t.TargetTxHash, &t.SourceChainID, &t.TargetChainID,
		&t.Token, &t.Sender, &t.Recipient, &t.Amount, &t.Nonce, &t.BlockNumber, &t.Status, &t.Error,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertPendingTx records a new deposit with status pending, keyed by its
// source transaction hash. An existing row is left untouched: replays must
// not overwrite status or targetTxHash.
func (db *DB) UpsertPendingTx(ctx context.Context, tx *BridgeTx) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO bridge_transactions
			(id, source_tx_hash, source_chain_id, target_chain_id, token, sender, recipient, amount, nonce, block_number, status)
		VALUES ($1, $2, $3, $4, lower($5), lower($6), lower($7), $8, $9, $10, 'pending')
		ON CONFLICT (source_tx_hash) DO NOTHING`,
		uuid.NewString(), strings.ToLower(tx.SourceTxHash), int64(tx.SourceChainID), int64(tx.TargetChainID),
		tx.Token, tx.Sender, tx.Recipient, tx.Amount, int64(tx.Nonce), int64(tx.BlockNumber))
	if err != nil {
		return fmt.Errorf("upsert bridge tx %s: %w", tx.SourceTxHash, err)
	}
	return nil
}

// TxBySourceHash returns the transaction keyed by the deposit hash, or nil
// when absent.
func (db *DB) TxBySourceHash(ctx context.Context, sourceTxHash string) (*BridgeTx, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT `+bridgeTxColumns+` FROM bridge_transactions WHERE source_tx_hash = lower($1)`,
		sourceTxHash)
	t, err := scanBridgeTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bridge tx %s: %w", sourceTxHash, err)
	}
	return t, nil
}

// MarkTxRelaying transitions pending → relaying. Re-marking a row already
// in relaying is a no-op success so a re-presented window can resume a
// crashed pipeline.
func (db *DB) MarkTxRelaying(ctx context.Context, sourceTxHash string) error {
	res, err := db.sql.ExecContext(ctx, `
		UPDATE bridge_transactions SET status = 'relaying', updated_at = now()
		WHERE source_tx_hash = lower($1) AND status IN ('pending', 'relaying')`,
		sourceTxHash)
	if err != nil {
		return fmt.Errorf("mark relaying %s: %w", sourceTxHash, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bridge tx %s is not pending", sourceTxHash)
	}
	return nil
}

// MarkTxCompleted transitions relaying → completed and stores the target
// transaction hash. An empty hash is the already-processed sentinel and is
// stored as NULL to keep the unique constraint on target_tx_hash usable.
func (db *DB) MarkTxCompleted(ctx context.Context, sourceTxHash, targetTxHash string) error {
	var target sql.NullString
	if targetTxHash != "" {
		target = sql.NullString{String: strings.ToLower(targetTxHash), Valid: true}
	}
	res, err := db.sql.ExecContext(ctx, `
		UPDATE bridge_transactions SET status = 'completed', target_tx_hash = $2, error = NULL, updated_at = now()
		WHERE source_tx_hash = lower($1) AND status = 'relaying'`,
		sourceTxHash, target)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", sourceTxHash, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bridge tx %s is not relaying", sourceTxHash)
	}
	return nil
}

// MarkTxFailed transitions relaying → failed and records the truncated
// failure reason.
func (db *DB) MarkTxFailed(ctx context.Context, sourceTxHash, reason string) error {
	res, err := db.sql.ExecContext(ctx, `
		UPDATE bridge_transactions SET status = 'failed', error = $2, updated_at = now()
		WHERE source_tx_hash = lower($1) AND status = 'relaying'`,
		sourceTxHash, truncateError(reason))
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", sourceTxHash, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("bridge tx %s is not relaying", sourceTxHash)
	}
	return nil
}

// TxsByStatus lists transactions in a status, newest block first.
func (db *DB) TxsByStatus(ctx context.Context, status string, limit int) ([]*BridgeTx, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+bridgeTxColumns+` FROM bridge_transactions WHERE status = $1
		 ORDER BY block_number DESC LIMIT $2`,
		status, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list %s txs: %w", status, err)
	}
	defer rows.Close()

	var out []*BridgeTx
	for rows.Next() {
		t, err := scanBridgeTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveSignature stores one validator's signature for a deposit,
// idempotently over (sourceTxHash, validator).
func (db *DB) SaveSignature(ctx context.Context, sourceTxHash, validator, signature string) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO validator_signatures (id, source_tx_hash, validator, signature)
		VALUES ($1, lower($2), lower($3), $4)
		ON CONFLICT (source_tx_hash, validator) DO NOTHING`,
		uuid.NewString(), sourceTxHash, validator, signature)
	if err != nil {
		return fmt.Errorf("save signature for %s: %w", sourceTxHash, err)
	}
	return nil
}

// SignaturesByTxHash returns every validator signature stored for a
// deposit.
func (db *DB) SignaturesByTxHash(ctx context.Context, sourceTxHash string) ([]*Signature, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, source_tx_hash, validator, signature, created_at
		FROM validator_signatures WHERE source_tx_hash = lower($1) ORDER BY created_at`,
		sourceTxHash)
	if err != nil {
		return nil, fmt.Errorf("list signatures for %s: %w", sourceTxHash, err)
	}
	defer rows.Close()

	var out []*Signature
	for rows.Next() {
		var s Signature
		if err := rows.Scan(&s.ID, &s.SourceTxHash, &s.Validator, &s.Signature, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
