// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package modules

import (
	"sort"
	"sync"
)

type identity struct {
	path  string
	base  uintptr
	dev   string
	inode uint64
}

func identityOf(m Module) identity {
	return identity{path: m.Path, base: m.Base, dev: m.Dev, inode: m.Inode}
}

// Delta is the outcome of one Registry update.
type Delta struct {
	// All lists every live module in enumeration order.
	All     []Module
	Added   []Module
	Removed []Module
}

// Changed reports whether any module appeared or vanished.
func (d Delta) Changed() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// Registry tracks the live module set between scans and assigns instance
// ordinals. An ordinal is the smallest one not held by another live load of
// the same path and stays fixed until that load disappears.
type Registry struct {
	mu    sync.RWMutex
	live  map[identity]Module
	order []identity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[identity]Module)}
}

// Update replaces the live set with found and reports the difference.
func (r *Registry) Update(found []Module) Delta {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[identity]bool, len(found))
	for _, m := range found {
		seen[identityOf(m)] = true
	}

	var d Delta
	for _, id := range r.order {
		if !seen[id] {
			d.Removed = append(d.Removed, r.live[id])
			delete(r.live, id)
		}
	}

	used := make(map[string]map[uint32]bool)
	for _, m := range r.live {
		if used[m.Path] == nil {
			used[m.Path] = make(map[uint32]bool)
		}
		used[m.Path][m.Instance] = true
	}

	order := make([]identity, 0, len(found))
	listed := make(map[identity]bool, len(found))
	for _, m := range found {
		id := identityOf(m)
		if listed[id] {
			continue
		}
		listed[id] = true
		order = append(order, id)
		if prev, ok := r.live[id]; ok {
			d.All = append(d.All, prev)
			continue
		}
		if used[m.Path] == nil {
			used[m.Path] = make(map[uint32]bool)
		}
		m.Instance = 1
		for used[m.Path][m.Instance] {
			m.Instance++
		}
		used[m.Path][m.Instance] = true
		r.live[id] = m
		d.All = append(d.All, m)
		d.Added = append(d.Added, m)
	}
	r.order = order
	return d
}

// Snapshot returns the live modules in enumeration order.
func (r *Registry) Snapshot() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.live[id])
	}
	return out
}

// Lookup returns the live module whose range contains addr.
func (r *Registry) Lookup(addr uintptr) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.live {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Module{}, false
}

// Instances returns the live loads of path ordered by instance.
func (r *Registry) Instances(path string) []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Module
	for _, m := range r.live {
		if m.Path == path {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
