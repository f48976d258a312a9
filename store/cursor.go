// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// LastScanned implements chain.CursorStore.
func (db *DB) LastScanned(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var last uint64
	err := db.sql.QueryRowContext(ctx,
		`SELECT last_block_number FROM chain_cursors WHERE chain_id = $1`,
		int64(chainID)).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %d: %w", chainID, err)
	}
	return last, true, nil
}

// Advance implements chain.CursorStore. The GREATEST guard keeps the
// cursor monotone even if two watcher instances race; only Rewind may move
// it backwards.
func (db *DB) Advance(ctx context.Context, chainID uint64, chainName string, block uint64, blockHash common.Hash, events int) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO chain_cursors (chain_id, chain_name, last_block_number, last_block_hash, last_synced_at, total_events)
		VALUES ($1, $2, $3, $4, now(), $5)
		ON CONFLICT (chain_id) DO UPDATE SET
			chain_name        = EXCLUDED.chain_name,
			last_block_number = GREATEST(chain_cursors.last_block_number, EXCLUDED.last_block_number),
			last_block_hash   = EXCLUDED.last_block_hash,
			last_synced_at    = now(),
			total_events      = chain_cursors.total_events + $5`,
		int64(chainID), chainName, int64(block), blockHash.Hex(), events)
	if err != nil {
		return fmt.Errorf("advance cursor %d to %d: %w", chainID, block, err)
	}
	return nil
}

// Rewind moves a cursor backwards. This is an explicit operator action
// (re-scan after a deep reorg or a processor bug); nothing in the services
// calls it.
func (db *DB) Rewind(ctx context.Context, chainID uint64, block uint64) error {
	res, err := db.sql.ExecContext(ctx,
		`UPDATE chain_cursors SET last_block_number = $2, last_block_hash = NULL, last_synced_at = now()
		 WHERE chain_id = $1`,
		int64(chainID), int64(block))
	if err != nil {
		return fmt.Errorf("rewind cursor %d: %w", chainID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no cursor for chain %d", chainID)
	}
	return nil
}

// Cursors returns every chain's sync status, ordered by chain id.
func (db *DB) Cursors(ctx context.Context) ([]*Cursor, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT chain_id, chain_name, last_block_number, COALESCE(last_block_hash, ''), last_synced_at, total_events
		FROM chain_cursors ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []*Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.ChainID, &c.ChainName, &c.LastBlockNumber, &c.LastBlockHash, &c.LastSyncedAt, &c.TotalEvents); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
