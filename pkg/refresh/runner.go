// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package refresh schedules refresh passes: single-flight execution of
// manual requests, and in automatic mode a monitor fed by module loader
// events plus an adaptive fallback sweep.
package refresh

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrConcurrentRefresh reports a request queued behind a running pass.
var ErrConcurrentRefresh = errors.New("refresh already in progress")

// Result summarizes one pass.
type Result struct {
	Full     bool
	Added    int
	Removed  int
	Hooked   int
	Restored int
	Duration time.Duration
}

// Changed reports whether the pass saw the module set change.
func (r Result) Changed() bool { return r.Added > 0 || r.Removed > 0 }

// PassFunc executes one pass. full asks for every task to be applied to
// every module rather than only to newly loaded ones.
type PassFunc func(full bool) (Result, error)

// Runner executes passes one at a time. Callers arriving while a pass runs
// wait for the next pass, which all of them share.
type Runner struct {
	pass   PassFunc
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	running   bool
	started   uint64
	completed uint64
	wantFull  bool
	again     bool
	last      Result
	lastErr   error

	passes atomic.Uint64
	queued atomic.Uint64

	done func()
}

// NewRunner creates a runner executing pass.
func NewRunner(pass PassFunc, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{pass: pass, logger: logger}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// OnPassDone sets fn to run after every pass, once the pass is marked
// complete and with no runner lock held. fn may start another pass.
func (r *Runner) OnPassDone(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = fn
}

// Run blocks until a pass that started after the call completes and returns
// that pass's outcome.
func (r *Runner) Run(full bool) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if full {
		r.wantFull = true
	}
	target := r.started + 1
	for r.completed < target {
		if r.running {
			r.cond.Wait()
			continue
		}
		r.runLocked()
	}
	return r.last, r.lastErr
}

// TryRefresh runs a pass if none is running. Otherwise it schedules one to
// follow the running pass and returns ErrConcurrentRefresh.
func (r *Runner) TryRefresh(full bool) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if full {
		r.wantFull = true
	}
	if r.running {
		r.again = true
		r.queued.Add(1)
		return Result{}, ErrConcurrentRefresh
	}
	r.runLocked()
	return r.last, r.lastErr
}

// runLocked runs passes with r.mu released while they execute, repeating
// while TryRefresh queued follow-ups.
func (r *Runner) runLocked() {
	for {
		r.running = true
		r.started++
		seq := r.started
		full := r.wantFull
		r.wantFull = false
		r.again = false
		r.mu.Unlock()

		start := time.Now()
		res, err := r.pass(full)
		res.Full = full
		res.Duration = time.Since(start)
		r.passes.Add(1)
		if err != nil {
			r.logger.Warn("refresh pass finished with errors", zap.Bool("full", full), zap.Error(err))
		} else {
			r.logger.Debug("refresh pass finished",
				zap.Bool("full", full),
				zap.Int("added", res.Added),
				zap.Int("removed", res.Removed),
				zap.Int("hooked", res.Hooked),
				zap.Duration("took", res.Duration),
			)
		}

		r.mu.Lock()
		r.running = false
		r.completed = seq
		r.last, r.lastErr = res, err
		r.cond.Broadcast()
		if done := r.done; done != nil {
			r.mu.Unlock()
			done()
			r.mu.Lock()
			if r.running {
				return
			}
		}
		if !r.again {
			return
		}
	}
}

// Running reports whether a pass is executing.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Passes returns the number of completed passes.
func (r *Runner) Passes() uint64 { return r.passes.Load() }

// Queued returns the number of TryRefresh calls that found a pass running.
func (r *Runner) Queued() uint64 { return r.queued.Load() }
