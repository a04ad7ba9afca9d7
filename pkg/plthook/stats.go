// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package plthook

import (
	"sort"

	"github.com/mbeema/plthook/pkg/memguard"
	"github.com/mbeema/plthook/pkg/task"
)

// Stats is a point-in-time view of the engine.
type Stats struct {
	Initialized bool
	Mode        Mode
	Tasks       int
	Installed   int
	Sites       int
	Draining    int
	Reclaimed   uint64
	Modules     int
	Images      int
	Calls       uint64
	Rings       uint64
	Passes      uint64
	Sweeps      uint64
	Events      uint64
	Queued      uint64
	Failures    uint64
	Records     int
	Protection  memguard.Stats
}

// Stats collects the current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Initialized: e.initialized && !e.closed,
		Mode:        e.mode,
		Sites:       len(e.sites),
		Draining:    len(e.draining),
		Reclaimed:   e.reclaimed.Load(),
		Failures:    e.failures.Load(),
		Records:     e.records.Len(),
	}
	for stub, t := range e.tasks {
		if e.internal[stub] {
			continue
		}
		s.Tasks++
		if t.State() == task.Installed {
			s.Installed++
		}
	}
	for _, site := range e.sites {
		s.Calls += site.hub.Calls()
		s.Rings += site.hub.Rings()
	}
	if !e.initialized {
		return s
	}
	s.Modules = len(e.reg.Snapshot())
	s.Images = e.cache.Len()
	s.Passes = e.runner.Passes()
	s.Queued = e.runner.Queued()
	s.Protection = e.guard.Stats()
	if e.monitor != nil {
		s.Sweeps = e.monitor.Sweeps()
		s.Events = e.monitor.Events()
	}
	return s
}

// SiteInfo describes one hooked call site.
type SiteInfo struct {
	Slot    uintptr
	Caller  string
	Symbol  string
	Kind    string
	Orig    uintptr
	Chain   []uintptr
	Calls   uint64
	Pending int64
}

// Sites lists the hooked call sites ordered by slot address.
func (e *Engine) Sites() []SiteInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SiteInfo, 0, len(e.sites))
	for _, site := range e.sites {
		info := SiteInfo{
			Slot:    site.slot,
			Caller:  site.caller.String(),
			Symbol:  site.symbol,
			Kind:    site.kind.String(),
			Orig:    site.hub.Orig(),
			Calls:   site.hub.Calls(),
			Pending: site.hub.InFlight(),
		}
		for _, en := range site.hub.Entries() {
			info.Chain = append(info.Chain, en.Proxy)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
