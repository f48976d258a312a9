// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package api serves the indexer's read-only HTTP surface: indexed
// events, correlated transfers, per-chain sync status and Prometheus
// metrics. It never mutates state and holds no business logic beyond
// parameter parsing and limit clamping.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/spanbridge/spanbridge/store"
	"github.com/spanbridge/spanbridge/validate"
)

// Querier is the read-only slice of the store the API exposes.
type Querier interface {
	RecentEvents(ctx context.Context, limit int) ([]*store.Event, error)
	EventsByChain(ctx context.Context, chainID uint64, limit int) ([]*store.Event, error)
	EventsByAddress(ctx context.Context, addr string, limit int) ([]*store.Event, error)
	Transfers(ctx context.Context, status string, limit int) ([]*store.Transfer, error)
	PendingTransfers(ctx context.Context, limit int) ([]*store.Transfer, error)
	TransfersByAddress(ctx context.Context, addr string, limit int) ([]*store.Transfer, error)
	TransferByDepositTx(ctx context.Context, depositTxHash string) (*store.Transfer, error)
	Cursors(ctx context.Context) ([]*store.Cursor, error)
	SignaturesByTxHash(ctx context.Context, sourceTxHash string) ([]*store.Signature, error)
}

// Server wraps the HTTP listener. Construct with NewServer, drive with
// Run, stop by cancelling the context.
type Server struct {
	querier Querier
	logger  log.Logger
	http    *http.Server
}

// NewServer builds the router and its middleware stack.
func NewServer(addr string, corsOrigins []string, q Querier) *Server {
	s := &Server{
		querier: q,
		logger:  log.New("role", "api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api").Subrouter()
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/chain/{id}", s.handleEventsByChain).Methods(http.MethodGet)
	v1.HandleFunc("/events/address/{address}", s.handleEventsByAddress).Methods(http.MethodGet)
	v1.HandleFunc("/transfers", s.handleTransfers).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/pending", s.handlePendingTransfers).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/address/{address}", s.handleTransfersByAddress).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{txHash}", s.handleTransferByDeposit).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/signatures/{txHash}", s.handleSignatures).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet},
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.querier.RecentEvents(r.Context(), limitParam(r))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse("events", events, len(events)))
}

func (s *Server) handleEventsByChain(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.clientError(w, "invalid chain id")
		return
	}
	events, err := s.querier.EventsByChain(r.Context(), chainID, limitParam(r))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse("events", events, len(events)))
}

func (s *Server) handleEventsByAddress(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !validate.IsAddress(addr) {
		s.clientError(w, "invalid address")
		return
	}
	events, err := s.querier.EventsByAddress(r.Context(), addr, limitParam(r))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse("events", events, len(events)))
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", store.StatusPending, store.StatusCompleted:
	default:
		s.clientError(w, "invalid status filter")
		return
	}
	transfers, err := s.querier.Transfers(r.Context(), status, limitParam(r))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse("transfers", transfers, len(transfers)))
}

func (s *Server) handlePendingTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.querier.PendingTransfers(r.Context(), limitParam(r))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse("transfers", transfers, len(transfers)))
}

func (s *Server) handleTransfersByAddress(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !validate.IsAddress(addr) {
		s.clientError(w, "invalid address")
		return
	}
	transfers, err := s.querier.TransfersByAddress(r.Context(), addr, limitParam(r))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse("transfers", transfers, len(transfers)))
}

func (s *Server) handleTransferByDeposit(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]
	if !validate.IsTxHash(txHash) {
		s.clientError(w, "invalid transaction hash")
		return
	}
	transfer, err := s.querier.TransferByDepositTx(r.Context(), txHash)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if transfer == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "transfer not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, transfer)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cursors, err := s.querier.Cursors(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chains": cursors})
}

func (s *Server) handleSignatures(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]
	if !validate.IsTxHash(txHash) {
		s.clientError(w, "invalid transaction hash")
		return
	}
	sigs, err := s.querier.SignaturesByTxHash(r.Context(), txHash)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse("signatures", sigs, len(sigs)))
}

// limitParam parses ?limit=; the store clamps to its own bounds, so out
// of range values degrade to the default rather than erroring.
func limitParam(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func listResponse(key string, items any, count int) map[string]any {
	return map[string]any{key: items, "count": count}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Write response failed", "err", err)
	}
}

func (s *Server) clientError(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("Query failed", "path", r.URL.Path, "err", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
