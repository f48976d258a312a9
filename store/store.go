// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package store persists the coordination plane's durable state in
// Postgres: per-chain cursors, the relayer's bridge transactions and
// validator signatures, and the indexer's raw events and correlated
// transfers. All creation paths are idempotent over natural keys; the
// narrow mutation paths are the status machines described in the entity
// types.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Entity status values. BridgeTx status only progresses
// pending → relaying → {completed, failed}; Transfer status only
// progresses pending → completed.
const (
	StatusPending   = "pending"
	StatusRelaying  = "relaying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// maxErrorLen bounds persisted failure reasons.
const maxErrorLen = 512

// Cursor is one chain's durable scan position.
type Cursor struct {
	ChainID         uint64    `json:"chainId"`
	ChainName       string    `json:"chainName"`
	LastBlockNumber uint64    `json:"lastBlockNumber"`
	LastBlockHash   string    `json:"lastBlockHash,omitempty"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
	TotalEvents     uint64    `json:"totalEvents"`
}

// BridgeTx is the relayer's record of one deposit and the withdrawal it
// drives. TargetTxHash is set exactly when the status is completed (the
// already-processed short circuit completes with an empty sentinel).
type BridgeTx struct {
	ID            string    `json:"id"`
	SourceTxHash  string    `json:"sourceTxHash"`
	TargetTxHash  string    `json:"targetTxHash,omitempty"`
	SourceChainID uint64    `json:"sourceChainId"`
	TargetChainID uint64    `json:"targetChainId"`
	Token         string    `json:"token"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Amount        string    `json:"amount"`
	Nonce         uint64    `json:"nonce"`
	BlockNumber   uint64    `json:"blockNumber"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Signature is one validator's signature over a deposit's withdrawal
// message, stored for pickup by a withdrawal-claiming UI.
type Signature struct {
	ID           string    `json:"id"`
	SourceTxHash string    `json:"sourceTxHash"`
	Validator    string    `json:"validator"`
	Signature    string    `json:"signature"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Event is a raw indexed bridge event. Sender and TargetChainID are set
// exactly for deposits, SourceChainID exactly for withdrawals.
type Event struct {
	ID            string    `json:"id"`
	TxHash        string    `json:"txHash"`
	LogIndex      uint64    `json:"logIndex"`
	EventType     string    `json:"eventType"`
	ChainID       uint64    `json:"chainId"`
	BlockNumber   uint64    `json:"blockNumber"`
	BlockHash     string    `json:"blockHash"`
	BlockTime     time.Time `json:"blockTime"`
	Token         string    `json:"token"`
	Sender        string    `json:"sender,omitempty"`
	Recipient     string    `json:"recipient"`
	Amount        string    `json:"amount"`
	Nonce         uint64    `json:"nonce"`
	SourceChainID *uint64   `json:"sourceChainId,omitempty"`
	TargetChainID *uint64   `json:"targetChainId,omitempty"`
}

// Transfer correlates a deposit with its withdrawal across chains.
// Withdraw fields and completed status are set together.
type Transfer struct {
	ID             string     `json:"id"`
	DepositTxHash  string     `json:"depositTxHash"`
	WithdrawTxHash string     `json:"withdrawTxHash,omitempty"`
	SourceChainID  uint64     `json:"sourceChainId"`
	TargetChainID  uint64     `json:"targetChainId"`
	Token          string     `json:"token"`
	Sender         string     `json:"sender"`
	Recipient      string     `json:"recipient"`
	Amount         string     `json:"amount"`
	Nonce          uint64     `json:"nonce"`
	DepositBlock   uint64     `json:"depositBlock"`
	WithdrawBlock  *uint64    `json:"withdrawBlock,omitempty"`
	DepositTime    time.Time  `json:"depositTime"`
	WithdrawTime   *time.Time `json:"withdrawTime,omitempty"`
	Status         string     `json:"status"`
}

// DB wraps the shared Postgres pool. It is safe for concurrent use; row
// level natural-key uniqueness is the only concurrency-control primitive.
type DB struct {
	sql *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{sql: db}, nil
}

// Close releases the pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chain_cursors (
		chain_id          BIGINT PRIMARY KEY,
		chain_name        TEXT NOT NULL,
		last_block_number BIGINT NOT NULL,
		last_block_hash   TEXT,
		last_synced_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		total_events      BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS bridge_transactions (
		id              TEXT PRIMARY KEY,
		source_tx_hash  TEXT NOT NULL UNIQUE,
		target_tx_hash  TEXT UNIQUE,
		source_chain_id BIGINT NOT NULL,
		target_chain_id BIGINT NOT NULL,
		token           TEXT NOT NULL,
		sender          TEXT NOT NULL,
		recipient       TEXT NOT NULL,
		amount          TEXT NOT NULL,
		nonce           BIGINT NOT NULL,
		block_number    BIGINT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		error           TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS bridge_transactions_chain_nonce
		ON bridge_transactions (source_chain_id, nonce)`,
	`CREATE INDEX IF NOT EXISTS bridge_transactions_status
		ON bridge_transactions (status)`,
	`CREATE TABLE IF NOT EXISTS validator_signatures (
		id             TEXT PRIMARY KEY,
		source_tx_hash TEXT NOT NULL,
		validator      TEXT NOT NULL,
		signature      TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (source_tx_hash, validator)
	)`,
	`CREATE TABLE IF NOT EXISTS bridge_events (
		id              TEXT PRIMARY KEY,
		tx_hash         TEXT NOT NULL,
		log_index       BIGINT NOT NULL,
		event_type      TEXT NOT NULL,
		chain_id        BIGINT NOT NULL,
		block_number    BIGINT NOT NULL,
		block_hash      TEXT NOT NULL,
		block_time      TIMESTAMPTZ NOT NULL,
		token           TEXT NOT NULL,
		sender          TEXT,
		recipient       TEXT NOT NULL,
		amount          TEXT NOT NULL,
		nonce           BIGINT NOT NULL,
		source_chain_id BIGINT,
		target_chain_id BIGINT,
		UNIQUE (tx_hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS bridge_events_chain_block
		ON bridge_events (chain_id, block_number)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id               TEXT PRIMARY KEY,
		deposit_tx_hash  TEXT NOT NULL UNIQUE,
		withdraw_tx_hash TEXT,
		source_chain_id  BIGINT NOT NULL,
		target_chain_id  BIGINT NOT NULL,
		token            TEXT NOT NULL,
		sender           TEXT NOT NULL,
		recipient        TEXT NOT NULL,
		amount           TEXT NOT NULL,
		nonce            BIGINT NOT NULL,
		deposit_block    BIGINT NOT NULL,
		withdraw_block   BIGINT,
		deposit_time     TIMESTAMPTZ NOT NULL,
		withdraw_time    TIMESTAMPTZ,
		status           TEXT NOT NULL DEFAULT 'pending',
		UNIQUE (nonce, source_chain_id, target_chain_id)
	)`,
	`CREATE INDEX IF NOT EXISTS transfers_status
		ON transfers (status)`,
}

// EnsureSchema creates the tables, unique constraints and indexes if they
// do not exist. Full migration tooling is out of scope; the schema is
// append-only by policy.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// clampLimit applies the query-surface bounds: default 50, ceiling 100.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
