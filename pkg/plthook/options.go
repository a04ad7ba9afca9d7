// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package plthook

import (
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/memguard"
	"github.com/mbeema/plthook/pkg/records"
	"github.com/mbeema/plthook/pkg/refresh"
	"github.com/mbeema/plthook/pkg/task"
)

const (
	DefaultImageCache     = 256
	DefaultQuiesceTimeout = 2 * time.Second
	DefaultReclaimGrace   = 10 * time.Second
)

type options struct {
	logger         *zap.Logger
	platform       *Platform
	onFatal        func(msg string, fields ...zap.Field)
	hooked         task.HookedFunc
	initialSlots   int
	imageCache     int
	quiesceTimeout time.Duration
	reclaimGrace   time.Duration
	sweep          refresh.SweepConfig
	ignoreSelf     bool
	executable     string
	ignore         []string
	records        *records.Buffer
}

func defaultOptions() options {
	return options{
		logger:         zap.NewNop(),
		initialSlots:   memguard.DefaultSlots,
		imageCache:     DefaultImageCache,
		quiesceTimeout: DefaultQuiesceTimeout,
		reclaimGrace:   DefaultReclaimGrace,
		sweep:          refresh.DefaultSweep(),
		ignoreSelf:     true,
	}
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPlatform replaces the native platform.
func WithPlatform(p Platform) Option {
	return func(o *options) { o.platform = &p }
}

// WithOnFatal sets the handler for unrecoverable init failures. The default
// is the logger's Fatal.
func WithOnFatal(fn func(msg string, fields ...zap.Field)) Option {
	return func(o *options) { o.onFatal = fn }
}

// WithHooked sets a callback invoked after every install attempt.
func WithHooked(fn task.HookedFunc) Option {
	return func(o *options) { o.hooked = fn }
}

// WithInitialSlots sets the initial protection slot capacity.
func WithInitialSlots(n int) Option {
	return func(o *options) { o.initialSlots = n }
}

// WithImageCache bounds the number of parsed images kept.
func WithImageCache(n int) Option {
	return func(o *options) { o.imageCache = n }
}

// WithQuiesceTimeout bounds how long Unhook waits for in-flight calls.
func WithQuiesceTimeout(d time.Duration) Option {
	return func(o *options) { o.quiesceTimeout = d }
}

// WithReclaimGrace sets how long a drained hub is kept before its
// trampoline is freed.
func WithReclaimGrace(d time.Duration) Option {
	return func(o *options) { o.reclaimGrace = d }
}

// WithSweep sets the automatic-mode sweep timings.
func WithSweep(cfg refresh.SweepConfig) Option {
	return func(o *options) { o.sweep = cfg }
}

// WithIgnoreSelf controls whether the executable itself is excluded from
// hooking.
func WithIgnoreSelf(on bool) Option {
	return func(o *options) { o.ignoreSelf = on }
}

// WithExecutable overrides the path treated as the engine's own binary.
func WithExecutable(path string) Option {
	return func(o *options) { o.executable = path }
}

// WithIgnore adds global ignore patterns.
func WithIgnore(patterns ...string) Option {
	return func(o *options) { o.ignore = append(o.ignore, patterns...) }
}

// WithRecords sets the operation record buffer.
func WithRecords(b *records.Buffer) Option {
	return func(o *options) { o.records = b }
}
