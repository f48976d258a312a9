// Copyright 2025 The spanbridge Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package logging configures the process-wide root logger for the
// daemons: terminal output by default, optional rotated file output.
package logging

import (
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup installs the root handler. verbosity follows the legacy 0..5
// scale (3 = info). When file is non-empty, output additionally goes to a
// size-rotated log file.
func Setup(verbosity int, file string) {
	var out io.Writer = os.Stderr
	useColor := false
	if file != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			Compress:   true,
		})
	} else {
		useColor = isTerminal(os.Stderr)
	}
	handler := log.NewTerminalHandlerWithLevel(out, log.FromLegacyLevel(verbosity), useColor)
	log.SetDefault(log.NewLogger(handler))
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
