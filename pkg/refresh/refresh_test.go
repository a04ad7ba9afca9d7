// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mbeema/plthook/pkg/modules"
)

// gatedPass blocks each pass until released.
type gatedPass struct {
	started chan int
	release chan struct{}
	count   atomic.Int32
	fulls   atomic.Int32
}

func newGatedPass() *gatedPass {
	return &gatedPass{started: make(chan int, 16), release: make(chan struct{})}
}

func (g *gatedPass) run(full bool) (Result, error) {
	n := int(g.count.Add(1))
	if full {
		g.fulls.Add(1)
	}
	g.started <- n
	<-g.release
	return Result{Added: n}, nil
}

func TestRunnerSequential(t *testing.T) {
	var n atomic.Int32
	r := NewRunner(func(full bool) (Result, error) {
		n.Add(1)
		return Result{}, nil
	}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		if _, err := r.Run(true); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if n.Load() != 3 || r.Passes() != 3 {
		t.Errorf("passes = %d/%d, want 3", n.Load(), r.Passes())
	}
}

func TestRunnerWaitsForNextPass(t *testing.T) {
	g := newGatedPass()
	r := NewRunner(g.run, zaptest.NewLogger(t))

	first := make(chan Result)
	go func() {
		res, _ := r.Run(false)
		first <- res
	}()
	<-g.started // pass 1 running

	// Both arrive during pass 1 and must share pass 2.
	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.Run(i == 0)
		}(i)
	}
	time.Sleep(10 * time.Millisecond)

	g.release <- struct{}{}
	if res := <-first; res.Added != 1 {
		t.Errorf("first caller got pass %d, want 1", res.Added)
	}
	if n := <-g.started; n != 2 {
		t.Fatalf("second pass = %d, want 2", n)
	}
	g.release <- struct{}{}
	wg.Wait()

	for i, res := range results {
		if res.Added != 2 {
			t.Errorf("caller %d got pass %d, want 2", i, res.Added)
		}
	}
	if g.count.Load() != 2 {
		t.Errorf("passes = %d, want 2", g.count.Load())
	}
	if !results[0].Full || g.fulls.Load() != 1 {
		t.Errorf("full request not carried into the coalesced pass")
	}
}

func TestTryRefreshQueues(t *testing.T) {
	g := newGatedPass()
	r := NewRunner(g.run, nil)

	done := make(chan struct{})
	go func() {
		r.Run(false)
		close(done)
	}()
	<-g.started

	if _, err := r.TryRefresh(false); !errors.Is(err, ErrConcurrentRefresh) {
		t.Fatalf("TryRefresh error = %v, want ErrConcurrentRefresh", err)
	}
	if !r.Running() {
		t.Error("Running = false during pass")
	}
	g.release <- struct{}{}

	// The queued request runs as a follow-up pass.
	if n := <-g.started; n != 2 {
		t.Errorf("follow-up pass = %d, want 2", n)
	}
	g.release <- struct{}{}
	<-done
	if r.Queued() != 1 {
		t.Errorf("Queued = %d, want 1", r.Queued())
	}

	go func() { g.release <- struct{}{} }()
	if res, err := r.TryRefresh(false); err != nil || res.Added != 3 {
		t.Errorf("idle TryRefresh = %+v, %v", res, err)
	}
}

func TestOnPassDoneMayRunAgain(t *testing.T) {
	var n atomic.Int32
	r := NewRunner(func(full bool) (Result, error) {
		return Result{Added: int(n.Add(1))}, nil
	}, zaptest.NewLogger(t))

	var nested atomic.Bool
	var calls atomic.Int32
	r.OnPassDone(func() {
		calls.Add(1)
		if r.Running() {
			t.Error("pass still marked running in done callback")
		}
		if nested.CompareAndSwap(false, true) {
			if _, err := r.Run(false); err != nil {
				t.Errorf("nested Run: %v", err)
			}
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.Run(true); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run from the done callback deadlocked")
	}
	if n.Load() != 2 || calls.Load() != 2 {
		t.Errorf("passes = %d, callbacks = %d, want 2 and 2", n.Load(), calls.Load())
	}
}

func TestRunnerReportsPassError(t *testing.T) {
	want := errors.New("module vanished")
	r := NewRunner(func(bool) (Result, error) { return Result{}, want }, nil)
	if _, err := r.Run(false); !errors.Is(err, want) {
		t.Errorf("Run error = %v, want %v", err, want)
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff(SweepConfig{Min: 100 * time.Millisecond, Max: 400 * time.Millisecond, Burst: 2})
	steps := []struct {
		changed bool
		want    time.Duration
	}{
		{false, 100 * time.Millisecond},
		{false, 200 * time.Millisecond},
		{false, 200 * time.Millisecond},
		{false, 400 * time.Millisecond},
		{false, 400 * time.Millisecond},
		{false, 400 * time.Millisecond},
		{true, 100 * time.Millisecond},
	}
	for i, s := range steps {
		if got := b.observe(s.changed); got != s.want {
			t.Errorf("step %d: interval = %v, want %v", i, got, s.want)
		}
	}
}

func TestSweepConfigNormalize(t *testing.T) {
	c := SweepConfig{Min: time.Second, Max: time.Millisecond}.normalize()
	if c.Max != time.Second || c.Burst != 3 {
		t.Errorf("normalize = %+v", c)
	}
	if d := (SweepConfig{}).normalize(); d != DefaultSweep() {
		t.Errorf("zero config normalized to %+v, want defaults", d)
	}
	if c := (SweepConfig{Min: 10 * time.Millisecond}).normalize(); c.Max != DefaultSweep().Max {
		t.Errorf("unset Max normalized to %v, want %v", c.Max, DefaultSweep().Max)
	}
	if c := (SweepConfig{Min: time.Minute}).normalize(); c.Max != time.Minute {
		t.Errorf("unset Max below Min normalized to %v, want %v", c.Max, time.Minute)
	}
}

func TestMonitorSweeps(t *testing.T) {
	var passes atomic.Int32
	r := NewRunner(func(bool) (Result, error) {
		passes.Add(1)
		return Result{}, nil
	}, nil)
	m := NewMonitor(r, SweepConfig{Min: time.Millisecond, Max: 4 * time.Millisecond, Burst: 1}, nil, zaptest.NewLogger(t))
	m.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for m.Sweeps() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	if m.Sweeps() < 5 {
		t.Fatalf("Sweeps = %d, want at least 5", m.Sweeps())
	}
	after := passes.Load()
	time.Sleep(10 * time.Millisecond)
	if passes.Load() != after {
		t.Error("sweeps continued after Stop")
	}
}

func TestMonitorSweepsAreFullPasses(t *testing.T) {
	var fulls, incrementals atomic.Int32
	r := NewRunner(func(full bool) (Result, error) {
		if full {
			fulls.Add(1)
		} else {
			incrementals.Add(1)
		}
		return Result{}, nil
	}, nil)
	m := NewMonitor(r, SweepConfig{Min: time.Millisecond, Max: 2 * time.Millisecond, Burst: 1}, nil, zaptest.NewLogger(t))
	m.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for m.Sweeps() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	if m.Sweeps() < 3 {
		t.Fatalf("Sweeps = %d, want at least 3", m.Sweeps())
	}
	if got, want := fulls.Load(), int32(m.Sweeps()); got != want {
		t.Errorf("full passes = %d, want %d", got, want)
	}
	if incrementals.Load() != 0 {
		t.Errorf("incremental passes = %d, want 0", incrementals.Load())
	}

	m.Handle(modules.Event{Kind: modules.Loaded, Name: "libfoo.so", OK: true})
	if incrementals.Load() != 1 {
		t.Errorf("event passes = %d, want 1 incremental", incrementals.Load())
	}
}

func TestMonitorHandle(t *testing.T) {
	var passes atomic.Int32
	r := NewRunner(func(bool) (Result, error) {
		passes.Add(1)
		return Result{Added: 1}, nil
	}, nil)

	var mu sync.Mutex
	var seen []modules.Event
	var passesAtNotify []int32
	m := NewMonitor(r, SweepConfig{Min: time.Hour}, func(ev modules.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
		passesAtNotify = append(passesAtNotify, passes.Load())
	}, nil)
	m.Start(context.Background())
	defer m.Stop()

	m.Handle(modules.Event{Kind: modules.Loaded, Name: "libfoo.so", Pre: true})
	m.Handle(modules.Event{Kind: modules.Loaded, Name: "libfoo.so", OK: true})

	if passes.Load() != 1 {
		t.Errorf("passes = %d, want 1", passes.Load())
	}
	if m.Events() != 2 {
		t.Errorf("Events = %d, want 2", m.Events())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !seen[0].Pre || seen[1].Pre {
		t.Fatalf("notified events = %+v", seen)
	}
	if passesAtNotify[0] != 0 || passesAtNotify[1] != 1 {
		t.Errorf("notify order relative to pass = %v, want [0 1]", passesAtNotify)
	}
}

func TestMonitorSetSweep(t *testing.T) {
	r := NewRunner(func(bool) (Result, error) { return Result{}, nil }, nil)
	m := NewMonitor(r, SweepConfig{Min: time.Hour}, nil, nil)
	m.Start(context.Background())
	defer m.Stop()

	m.SetSweep(SweepConfig{Min: time.Millisecond, Max: time.Millisecond})
	deadline := time.Now().Add(2 * time.Second)
	for m.Sweeps() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.Sweeps() == 0 {
		t.Error("new sweep timings not applied")
	}
}
