// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package main

import (
	"context"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/config"
	"github.com/mbeema/plthook/pkg/health"
	"github.com/mbeema/plthook/pkg/native"
	"github.com/mbeema/plthook/pkg/plthook"
)

func hostMachine() (elf.Machine, error) {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64, nil
	case "arm64":
		return elf.EM_AARCH64, nil
	}
	return elf.EM_NONE, fmt.Errorf("no disassembler for %s", runtime.GOARCH)
}

func newTrampolineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trampoline",
		Short: "Disassemble the dispatch trampoline template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code := native.Template()
			if len(code) == 0 {
				return native.ErrUnsupported
			}
			machine, err := hostMachine()
			if err != nil {
				return err
			}
			lines, err := native.Disassemble(machine, code, 0)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s template, %d bytes\n", machine, len(code))
			for _, l := range lines {
				fmt.Fprintf(out, "%6x:  %-24s %s\n", l.PC, hex.EncodeToString(l.Bytes), l.Text)
			}
			return nil
		},
	}
}

type configFlags struct {
	path string
	dir  string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.path, "config", "", "path to configuration file")
	cmd.Flags().StringVar(&f.dir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	cmd.MarkFlagsMutuallyExclusive("config", "config-dir")
}

func (f *configFlags) load() (*config.Config, error) {
	if f.dir != "" {
		return config.LoadDir(f.dir)
	}
	return loadConfig(f.path)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range []string{"configs/plthook.yaml", "/etc/plthook/plthook.yaml", "/etc/plthook.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with engine configuration",
	}
	var cf configFlags
	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate a configuration and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cf.load()
			if err != nil {
				return err
			}
			return printConfig(cmd, cfg)
		},
	}
	cf.register(check)
	cmd.AddCommand(check)
	return cmd
}

func printConfig(cmd *cobra.Command, cfg *config.Config) error {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Setting", "Value")
	healthAddr := "disabled"
	if cfg.Health.Enabled {
		healthAddr = cfg.Health.Addr
	}
	records := "off"
	if cfg.Records.Enabled {
		records = fmt.Sprintf("%d entries", cfg.Records.Capacity)
	}
	if err := table.Bulk([][]string{
		{"log_level", cfg.LogLevel},
		{"mode", cfg.EngineMode().String()},
		{"immediate", fmt.Sprint(cfg.Immediate)},
		{"ignore_self", fmt.Sprint(cfg.IgnoreSelf)},
		{"ignore", strings.Join(cfg.Ignore, ", ")},
		{"protection.initial_slots", fmt.Sprint(cfg.Protection.InitialSlots)},
		{"refresh.sweep", fmt.Sprintf("%s..%s burst %d", cfg.Refresh.SweepMin, cfg.Refresh.SweepMax, cfg.Refresh.SweepBurst)},
		{"refresh.quiesce_timeout", cfg.Refresh.QuiesceTimeout.String()},
		{"refresh.reclaim_grace", cfg.Refresh.ReclaimGrace.String()},
		{"records", records},
		{"cache.images", fmt.Sprint(cfg.Cache.Images)},
		{"health", healthAddr},
	}); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("configuration is valid"))
	return nil
}

func newServeCmd(rf *rootFlags) *cobra.Command {
	var cf configFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine in this process and serve its status until signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cf.load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = rf.logLevel
			}
			logger, atom, err := newLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()
			return serve(cfg, &cf, logger, &atom)
		},
	}
	cf.register(cmd)
	return cmd
}

func serve(cfg *config.Config, cf *configFlags, logger *zap.Logger, atom *zap.AtomicLevel) error {
	logger.Info("starting plthook engine",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	e := plthook.New(cfg.Options(logger)...)
	if err := e.Init(cfg.EngineMode(), cfg.Immediate); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			e.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var srv *health.Server
	if cfg.Health.Enabled {
		srv = health.NewServer(cfg.Health.Addr, version, health.NewStats(e), logger)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		srv.SetReady(true)
	}

	apply := config.Apply(e, atom, logger)
	var watcher *config.Watcher
	if cf.dir != "" {
		watcher = config.NewWatcher(cf.dir, apply, logger)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	defer signal.Stop(hupCh)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if srv != nil {
				srv.SetReady(false)
			}
			if watcher != nil {
				watcher.Stop()
			}
			cancel()
			closed = true

			done := make(chan error, 1)
			go func() { done <- e.Close() }()
			select {
			case err := <-done:
				if err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				logger.Info("plthook engine stopped")
			case <-time.After(30 * time.Second):
				logger.Error("shutdown timed out after 30s")
			}
			if srv != nil {
				if err := srv.Stop(); err != nil {
					logger.Warn("health server shutdown", zap.Error(err))
				}
			}
			return nil

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := cf.load()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			apply(newCfg, "SIGHUP")
			if err := e.Refresh(); err != nil {
				logger.Warn("refresh after reload reported errors", zap.Error(err))
			}
		}
	}
}
