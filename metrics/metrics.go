// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package metrics holds the prometheus collectors shared by the relayer
// and indexer services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsProcessed counts bridge events dispatched to a processor,
	// per chain and event type.
	EventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spanbridge",
		Name:      "events_processed_total",
		Help:      "Bridge events dispatched to a processor.",
	}, []string{"chain", "event"})

	// EventsSkipped counts events dropped after a terminal processing
	// failure. These need operator attention: the cursor has moved past
	// them.
	EventsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spanbridge",
		Name:      "events_skipped_total",
		Help:      "Bridge events skipped after a terminal failure.",
	}, []string{"chain", "event"})

	// CursorHeight is the last fully scanned block per chain.
	CursorHeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spanbridge",
		Name:      "cursor_height",
		Help:      "Last fully scanned block number.",
	}, []string{"chain"})

	// HeadHeight is the chain head as reported by the endpoint.
	HeadHeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spanbridge",
		Name:      "head_height",
		Help:      "Chain head block number.",
	}, []string{"chain"})

	// RPCRetries counts retried RPC windows and submissions.
	RPCRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spanbridge",
		Name:      "rpc_retries_total",
		Help:      "Retries after transient RPC failures.",
	}, []string{"chain", "op"})

	// WithdrawalsSubmitted counts withdraw transactions sent to a target
	// chain, by final outcome.
	WithdrawalsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spanbridge",
		Name:      "withdrawals_total",
		Help:      "Withdrawal submissions by outcome (completed, failed, short_circuit).",
	}, []string{"chain", "outcome"})

	// SignaturesStored counts validator signatures persisted in collect
	// mode.
	SignaturesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spanbridge",
		Name:      "signatures_stored_total",
		Help:      "Validator signatures persisted for out-of-band pickup.",
	})

	// TransfersCompleted counts deposit/withdraw pairs correlated by the
	// indexer.
	TransfersCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spanbridge",
		Name:      "transfers_completed_total",
		Help:      "Transfers correlated end to end.",
	})
)

func init() {
	prometheus.MustRegister(
		EventsProcessed,
		EventsSkipped,
		CursorHeight,
		HeadHeight,
		RPCRetries,
		WithdrawalsSubmitted,
		SignaturesStored,
		TransfersCompleted,
	)
}
