// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/modules"
)

// LoaderHook names a loader function the engine intercepts in automatic
// mode. The engine hooks Symbol everywhere with Proxy and stores the
// original address in Orig, which the proxy calls through.
type LoaderHook struct {
	Symbol string
	Proxy  uintptr
	Orig   *atomic.Uintptr
}

// EventSource reports module loads and unloads observed by its loader
// proxies. The handler runs synchronously on the thread that called the
// loader, so a post-load pass completes before the loader call returns.
type EventSource interface {
	Hooks() []LoaderHook
	Subscribe(handler func(modules.Event))
}

// SweepConfig controls the fallback sweep interval. The interval starts at
// Min, doubles after Burst consecutive sweeps that found no change, is
// capped at Max and returns to Min on any change.
type SweepConfig struct {
	Min   time.Duration
	Max   time.Duration
	Burst int
}

// DefaultSweep returns the default sweep timings.
func DefaultSweep() SweepConfig {
	return SweepConfig{Min: 500 * time.Millisecond, Max: 8 * time.Second, Burst: 3}
}

func (c SweepConfig) normalize() SweepConfig {
	d := DefaultSweep()
	if c.Min <= 0 {
		c.Min = d.Min
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	return c
}

// backoff tracks the adaptive sweep interval.
type backoff struct {
	cfg       SweepConfig
	interval  time.Duration
	unchanged int
}

func newBackoff(cfg SweepConfig) *backoff {
	cfg = cfg.normalize()
	return &backoff{cfg: cfg, interval: cfg.Min}
}

func (b *backoff) observe(changed bool) time.Duration {
	if changed {
		b.interval = b.cfg.Min
		b.unchanged = 0
		return b.interval
	}
	b.unchanged++
	if b.unchanged >= b.cfg.Burst {
		b.unchanged = 0
		b.interval *= 2
		if b.interval > b.cfg.Max {
			b.interval = b.cfg.Max
		}
	}
	return b.interval
}

func (b *backoff) reset() time.Duration {
	b.interval = b.cfg.Min
	b.unchanged = 0
	return b.interval
}

// Monitor drives passes in automatic mode: loader events run incremental
// passes, and the fallback sweep runs full ones so tasks that failed on a
// module get retried.
type Monitor struct {
	runner *Runner
	notify func(modules.Event)
	logger *zap.Logger

	cfgMu sync.Mutex
	cfg   SweepConfig
	cfgCh chan struct{}
	kick  chan struct{}

	sweeps  atomic.Uint64
	handled atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. notify, when set, receives every event
// passed to Handle; a post-load event is delivered after the pass it
// triggered.
func NewMonitor(runner *Runner, cfg SweepConfig, notify func(modules.Event), logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		runner: runner,
		notify: notify,
		logger: logger,
		cfg:    cfg.normalize(),
		cfgCh:  make(chan struct{}, 1),
		kick:   make(chan struct{}, 1),
	}
}

// Start launches the monitor goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop ends the monitor and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// SetSweep replaces the sweep timings; the new interval applies from the
// next sweep.
func (m *Monitor) SetSweep(cfg SweepConfig) {
	m.cfgMu.Lock()
	m.cfg = cfg.normalize()
	m.cfgMu.Unlock()
	select {
	case m.cfgCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) sweepConfig() SweepConfig {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg
}

// Handle processes a loader event. A post-load or post-unload event runs an
// incremental pass and restarts the sweep at its minimum interval.
func (m *Monitor) Handle(ev modules.Event) {
	m.handled.Add(1)
	if !ev.Pre {
		if _, err := m.runner.Run(false); err != nil {
			m.logger.Debug("event pass reported errors", zap.Stringer("kind", ev.Kind), zap.Error(err))
		}
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
	if m.notify != nil {
		m.notify(ev)
	}
}

// Sweeps returns the number of timer-driven passes.
func (m *Monitor) Sweeps() uint64 { return m.sweeps.Load() }

// Events returns the number of loader events handled.
func (m *Monitor) Events() uint64 { return m.handled.Load() }

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	bo := newBackoff(m.sweepConfig())
	timer := time.NewTimer(bo.interval)
	defer timer.Stop()

	reset := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-m.kick:
			reset(bo.reset())

		case <-m.cfgCh:
			bo = newBackoff(m.sweepConfig())
			reset(bo.interval)

		case <-timer.C:
			m.sweeps.Add(1)
			res, err := m.runner.Run(true)
			if err != nil {
				m.logger.Debug("sweep reported errors", zap.Error(err))
			}
			next := bo.observe(res.Changed())
			timer.Reset(next)
		}
	}
}
