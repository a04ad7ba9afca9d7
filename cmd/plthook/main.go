// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	logLevel string
	noColor  bool
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "plthook",
		Short:         "Inspect and exercise GOT/PLT call-site hooking",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&rf.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newModulesCmd(&rf),
		newImportsCmd(&rf),
		newRuleCmd(),
		newTrampolineCmd(),
		newConfigCmd(),
		newServeCmd(&rf),
	)
	return root
}

func newLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	atom := zap.NewAtomicLevelAt(zapLevel)

	cfg := zap.Config{
		Level:            atom,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := cfg.Build()
	return logger, atom, err
}
