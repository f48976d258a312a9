// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// spanbridge-relayer watches for Deposit events on every configured
// chain, signs the canonical withdrawal message with the validator key
// and submits (or collects signatures for) the matching withdraw
// transaction on the target chain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/spanbridge/spanbridge/config"
	"github.com/spanbridge/spanbridge/internal/logging"
	"github.com/spanbridge/spanbridge/relayer"
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
)

func main() {
	app := &cli.App{
		Name:   "spanbridge-relayer",
		Usage:  "validator relayer for the spanbridge lock-and-mint bridge",
		Flags:  []cli.Flag{configFlag, verbosityFlag, logFileFlag},
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
	logging.Setup(cfg.Verbosity, c.String(logFileFlag.Name))
	if err := cfg.ValidateRelayer(); err != nil {
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

	svc, err := relayer.New(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer svc.Close()

	log.Info("Relayer started", "chains", len(cfg.Chains), "mode", cfg.Relayer.Mode)
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("Relayer stopped")
	return nil
}
