// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// spanbridge-indexer records Deposit and Withdraw events from every
// configured chain, correlates them into transfer records and serves the
// read-only HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/spanbridge/spanbridge/api"
	"github.com/spanbridge/spanbridge/config"
	"github.com/spanbridge/spanbridge/indexer"
	"github.com/spanbridge/spanbridge/internal/logging"
	"github.com/spanbridge/spanbridge/store"
)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "Path to the YAML configuration file",
		Required: true,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: -1,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Also write logs to this rotated file",
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "Listen address for the read-only HTTP API (overrides api.addr)",
	}
)

func main() {
	app := &cli.App{
		Name:   "spanbridge-indexer",
		Usage:  "event indexer and query API for the spanbridge lock-and-mint bridge",
		Flags:  []cli.Flag{configFlag, verbosityFlag, logFileFlag, httpAddrFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	if v := c.Int(verbosityFlag.Name); v >= 0 {
		cfg.Verbosity = v
	}
	if addr := c.String(httpAddrFlag.Name); addr != "" {
		cfg.API.Addr = addr
	}
	logging.Setup(cfg.Verbosity, c.String(logFileFlag.Name))
	if err := cfg.ValidateIndexer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	svc, err := indexer.New(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := api.NewServer(cfg.API.Addr, cfg.API.CORSOrigins, db)

	log.Info("Indexer started", "chains", len(cfg.Chains), "api", cfg.API.Addr)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("Indexer stopped")
	return nil
}
