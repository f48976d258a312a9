// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package config loads and validates the YAML configuration shared by the
// relayer and indexer daemons.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/spanbridge/spanbridge/validate"
)

// ValidatorKeyEnv overrides relayer.validatorPrivateKey so the key can be
// kept out of config files.
const ValidatorKeyEnv = "SPANBRIDGE_VALIDATOR_KEY"

// Defaults per the recognized-options table.
const (
	DefaultPollIntervalMS     = 12000
	DefaultMinConfirmations   = 12
	DefaultBatchSize          = 1000
	DefaultMaxGasPriceGwei    = 100
	DefaultGasLimitMultiplier = 1.2
)

// Relayer submission modes.
const (
	ModeDirect  = "direct"  // sign and submit withdraw transactions
	ModeCollect = "collect" // store signatures for out-of-band pickup
)

// Chain binds one EVM endpoint and its Bridge contract.
type Chain struct {
	Name          string `yaml:"name"`
	ChainID       uint64 `yaml:"chainId"`
	RPCURL        string `yaml:"rpcUrl"`
	BridgeAddress string `yaml:"bridgeAddress"`
	StartBlock    uint64 `yaml:"startBlock"`
}

// Bridge returns the parsed bridge contract address.
func (c *Chain) Bridge() common.Address {
	return common.HexToAddress(c.BridgeAddress)
}

// Relayer holds the relayer-only options.
type Relayer struct {
	Mode                string `yaml:"mode"`
	ValidatorPrivateKey string `yaml:"validatorPrivateKey"`
}

// Database configures the shared Postgres pool.
type Database struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// API configures the read-only HTTP surface.
type API struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

// Config is the full recognized option set.
type Config struct {
	Chains             []Chain  `yaml:"chains"`
	Relayer            Relayer  `yaml:"relayer"`
	Database           Database `yaml:"database"`
	API                API      `yaml:"api"`
	PollIntervalMS     uint64   `yaml:"pollInterval"`
	MinConfirmations   uint64   `yaml:"minConfirmations"`
	BatchSize          uint64   `yaml:"batchSize"`
	MaxGasPriceGwei    uint64   `yaml:"maxGasPriceGwei"`
	GasLimitMultiplier float64  `yaml:"gasLimitMultiplier"`
	Verbosity          int      `yaml:"verbosity"`
}

// Load reads a YAML config, applies defaults and the environment key
// override. It does not validate; call ValidateIndexer or ValidateRelayer
// for the service being started.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if key := os.Getenv(ValidatorKeyEnv); key != "" {
		cfg.Relayer.ValidatorPrivateKey = key
	}
	if cfg.Relayer.Mode == "" {
		cfg.Relayer.Mode = ModeDirect
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		PollIntervalMS:     DefaultPollIntervalMS,
		MinConfirmations:   DefaultMinConfirmations,
		BatchSize:          DefaultBatchSize,
		MaxGasPriceGwei:    DefaultMaxGasPriceGwei,
		GasLimitMultiplier: DefaultGasLimitMultiplier,
		Verbosity:          3,
		Relayer:            Relayer{Mode: ModeDirect},
		API:                API{Addr: ":8080"},
	}
}

// PollInterval returns the watcher tick as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// validateCommon checks the options both services need.
func (c *Config) validateCommon() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.GasLimitMultiplier < 1 {
		return fmt.Errorf("gasLimitMultiplier %v must be >= 1", c.GasLimitMultiplier)
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batchSize must be positive")
	}
	seen := make(map[uint64]string, len(c.Chains))
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.Name == "" {
			return fmt.Errorf("chain %d: name is required", i)
		}
		if ch.ChainID == 0 {
			return fmt.Errorf("chain %s: chainId is required", ch.Name)
		}
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %s: rpcUrl is required", ch.Name)
		}
		if !validate.IsAddress(ch.BridgeAddress) {
			return fmt.Errorf("chain %s: bridgeAddress %q is not a valid address", ch.Name, ch.BridgeAddress)
		}
		if prev, dup := seen[ch.ChainID]; dup {
			return fmt.Errorf("chains %s and %s share chain id %d", prev, ch.Name, ch.ChainID)
		}
		seen[ch.ChainID] = ch.Name
	}
	return nil
}

// ValidateIndexer enforces the indexer's requirements: at least one chain.
func (c *Config) ValidateIndexer() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if len(c.Chains) < 1 {
		return fmt.Errorf("indexer needs at least one chain")
	}
	return nil
}

// ValidateRelayer enforces the relayer's requirements: at least two chains
// (a source to watch and a target to withdraw on) and a signing key.
func (c *Config) ValidateRelayer() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if len(c.Chains) < 2 {
		return fmt.Errorf("relayer needs at least two chains")
	}
	if c.Relayer.ValidatorPrivateKey == "" {
		return fmt.Errorf("validator private key is required (set %s)", ValidatorKeyEnv)
	}
	if c.Relayer.Mode != ModeDirect && c.Relayer.Mode != ModeCollect {
		return fmt.Errorf("relayer.mode %q must be %q or %q", c.Relayer.Mode, ModeDirect, ModeCollect)
	}
	return nil
}
