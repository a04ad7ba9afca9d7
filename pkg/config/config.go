// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package config loads hooking engine settings from YAML files and
// PLTHOOK_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/mbeema/plthook/pkg/memguard"
	"github.com/mbeema/plthook/pkg/plthook"
	"github.com/mbeema/plthook/pkg/records"
	"github.com/mbeema/plthook/pkg/refresh"
	"github.com/mbeema/plthook/pkg/rules"
)

// Config is the top-level configuration of the engine and its tools.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Mode       string           `yaml:"mode"`
	Immediate  bool             `yaml:"immediate"`
	IgnoreSelf bool             `yaml:"ignore_self"`
	Ignore     []string         `yaml:"ignore"`
	Protection ProtectionConfig `yaml:"protection"`
	Refresh    RefreshConfig    `yaml:"refresh"`
	Records    RecordsConfig    `yaml:"records"`
	Cache      CacheConfig      `yaml:"cache"`
	Health     HealthConfig     `yaml:"health"`
}

type ProtectionConfig struct {
	InitialSlots int `yaml:"initial_slots"`
}

// RefreshConfig holds sweep timings and trampoline reclamation bounds.
type RefreshConfig struct {
	SweepMin       time.Duration `yaml:"sweep_min"`
	SweepMax       time.Duration `yaml:"sweep_max"`
	SweepBurst     int           `yaml:"sweep_burst"`
	QuiesceTimeout time.Duration `yaml:"quiesce_timeout"`
	ReclaimGrace   time.Duration `yaml:"reclaim_grace"`
}

type RecordsConfig struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity"`
}

type CacheConfig struct {
	Images int `yaml:"images"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // e.g. "127.0.0.1:8689"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadFileInto(path, cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	sweep := refresh.DefaultSweep()
	return &Config{
		LogLevel:   "info",
		Mode:       "manual",
		IgnoreSelf: true,
		Protection: ProtectionConfig{InitialSlots: memguard.DefaultSlots},
		Refresh: RefreshConfig{
			SweepMin:       sweep.Min,
			SweepMax:       sweep.Max,
			SweepBurst:     sweep.Burst,
			QuiesceTimeout: plthook.DefaultQuiesceTimeout,
			ReclaimGrace:   plthook.DefaultReclaimGrace,
		},
		Records: RecordsConfig{
			Enabled:  true,
			Capacity: records.DefaultCapacity,
		},
		Cache: CacheConfig{Images: plthook.DefaultImageCache},
		Health: HealthConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8689",
		},
	}
}

// ConfigFiles are read by LoadDir in order, later files overriding earlier
// ones:
//   - base.yaml  → log_level, mode, protection, refresh, records, cache, health
//   - rules.yaml → ignore, ignore_self
var ConfigFiles = []string{"base.yaml", "rules.yaml"}

// LoadDir loads the files of ConfigFiles from dir and merges them into a
// single Config. Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()
	for _, f := range ConfigFiles {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ApplyEnvOverrides reads PLTHOOK_* environment variables and applies them
// to the config, overriding YAML values. Unparsable values are ignored.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"PLTHOOK_LOG_LEVEL":   func(v string) { c.LogLevel = v },
		"PLTHOOK_MODE":        func(v string) { c.Mode = v },
		"PLTHOOK_HEALTH_ADDR": func(v string) { c.Health.Addr = v },
		"PLTHOOK_IGNORE":      func(v string) { c.Ignore = splitList(v) },
	}

	boolOverrides := map[string]*bool{
		"PLTHOOK_IMMEDIATE":       &c.Immediate,
		"PLTHOOK_IGNORE_SELF":     &c.IgnoreSelf,
		"PLTHOOK_RECORDS_ENABLED": &c.Records.Enabled,
		"PLTHOOK_HEALTH_ENABLED":  &c.Health.Enabled,
	}

	durationOverrides := map[string]*time.Duration{
		"PLTHOOK_SWEEP_MIN":       &c.Refresh.SweepMin,
		"PLTHOOK_SWEEP_MAX":       &c.Refresh.SweepMax,
		"PLTHOOK_QUIESCE_TIMEOUT": &c.Refresh.QuiesceTimeout,
		"PLTHOOK_RECLAIM_GRACE":   &c.Refresh.ReclaimGrace,
	}

	intOverrides := map[string]*int{
		"PLTHOOK_SWEEP_BURST":      &c.Refresh.SweepBurst,
		"PLTHOOK_RECORDS_CAPACITY": &c.Records.Capacity,
		"PLTHOOK_CACHE_IMAGES":     &c.Cache.Images,
		"PLTHOOK_INITIAL_SLOTS":    &c.Protection.InitialSlots,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}
	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}
	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}
	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := plthook.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	for _, p := range c.Ignore {
		if _, err := rules.ParsePattern(p); err != nil {
			return fmt.Errorf("ignore: %w", err)
		}
	}
	if c.Protection.InitialSlots < 0 {
		return fmt.Errorf("protection.initial_slots must not be negative")
	}

	r := c.Refresh
	if r.SweepMin <= 0 {
		return fmt.Errorf("refresh.sweep_min must be positive")
	}
	if r.SweepMax < r.SweepMin {
		return fmt.Errorf("refresh.sweep_max must be at least refresh.sweep_min")
	}
	if r.SweepBurst <= 0 {
		return fmt.Errorf("refresh.sweep_burst must be positive")
	}
	if r.QuiesceTimeout <= 0 {
		return fmt.Errorf("refresh.quiesce_timeout must be positive")
	}
	if r.ReclaimGrace < 0 {
		return fmt.Errorf("refresh.reclaim_grace must not be negative")
	}

	if c.Records.Capacity <= 0 {
		return fmt.Errorf("records.capacity must be positive")
	}
	if c.Cache.Images <= 0 {
		return fmt.Errorf("cache.images must be positive")
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}
	return nil
}

// Level returns the configured log level. Validate has checked it.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Sweep returns the sweep timings.
func (c *Config) Sweep() refresh.SweepConfig {
	return refresh.SweepConfig{Min: c.Refresh.SweepMin, Max: c.Refresh.SweepMax, Burst: c.Refresh.SweepBurst}
}

// EngineMode returns the parsed mode.
func (c *Config) EngineMode() plthook.Mode {
	m, _ := plthook.ParseMode(c.Mode)
	return m
}

// Options returns engine options for the static part of the configuration.
func (c *Config) Options(logger *zap.Logger) []plthook.Option {
	buf := records.New(c.Records.Capacity)
	buf.SetEnabled(c.Records.Enabled)
	return []plthook.Option{
		plthook.WithLogger(logger),
		plthook.WithInitialSlots(c.Protection.InitialSlots),
		plthook.WithImageCache(c.Cache.Images),
		plthook.WithQuiesceTimeout(c.Refresh.QuiesceTimeout),
		plthook.WithReclaimGrace(c.Refresh.ReclaimGrace),
		plthook.WithSweep(c.Sweep()),
		plthook.WithIgnoreSelf(c.IgnoreSelf),
		plthook.WithIgnore(c.Ignore...),
		plthook.WithRecords(buf),
	}
}

// Settings returns the part of the configuration that can change at
// runtime.
func (c *Config) Settings() plthook.Settings {
	return plthook.Settings{
		Ignore:    append([]string(nil), c.Ignore...),
		Sweep:     c.Sweep(),
		Recording: c.Records.Enabled,
	}
}
