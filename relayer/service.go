// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

package relayer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/spanbridge/spanbridge/chain"
	"github.com/spanbridge/spanbridge/config"
	"github.com/spanbridge/spanbridge/signer"
	"github.com/spanbridge/spanbridge/store"
)

// Service assembles the relayer: one deposit watcher per configured chain,
// every chain available as a withdrawal target, a shared signer and store.
type Service struct {
	cfg      *config.Config
	db       *store.DB
	signer   *signer.Signer
	clients  map[uint64]chain.Client
	watchers []*chain.Watcher
}

// New dials every configured chain with the validator key and wires the
// watcher → processor pipelines. The caller owns db.
func New(ctx context.Context, cfg *config.Config, db *store.DB) (*Service, error) {
	sig, err := signer.New(cfg.Relayer.ValidatorPrivateKey)
	if err != nil {
		return nil, err
	}
	log.Info("Relayer validator", "address", sig.Address(), "mode", cfg.Relayer.Mode)

	s := &Service{cfg: cfg, db: db, signer: sig, clients: make(map[uint64]chain.Client)}
	for i := range cfg.Chains {
		cc := &cfg.Chains[i]
		client, err := chain.Dial(ctx, cc.RPCURL, cc.ChainID, cc.Name, cc.Bridge(), sig.Key())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("dial chain %s: %w", cc.Name, err)
		}
		s.clients[cc.ChainID] = client
	}

	opts := Options{
		Mode:               cfg.Relayer.Mode,
		MinConfirmations:   cfg.MinConfirmations,
		GasLimitMultiplier: cfg.GasLimitMultiplier,
		MaxGasPriceGwei:    cfg.MaxGasPriceGwei,
	}
	for i := range cfg.Chains {
		cc := &cfg.Chains[i]
		client := s.clients[cc.ChainID]
		proc := NewProcessor(client, s.clients, db, sig, opts)
		s.watchers = append(s.watchers, chain.NewWatcher(client, db, proc, chain.WatcherConfig{
			Events:           []string{chain.EventDeposit},
			StartBlock:       cc.StartBlock,
			PollInterval:     cfg.PollInterval(),
			BatchSize:        cfg.BatchSize,
			MinConfirmations: cfg.MinConfirmations,
		}))
	}
	return s, nil
}

// Run reconciles interrupted work, then drives all watchers until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := Reconcile(ctx, s.db, s.clients); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
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
