// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package task defines hook tasks: one request to redirect a symbol to a
// proxy across a set of caller modules.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/rules"
)

// Stub is the opaque handle returned to the caller of a hook operation.
// Zero is never a valid stub.
type Stub uint64

func (s Stub) String() string { return fmt.Sprintf("stub-%d", uint64(s)) }

// Kind is the matching scope of a task.
type Kind int

const (
	Single Kind = iota + 1
	Partial
	All
)

func (k Kind) String() string {
	switch k {
	case Single:
		return "single"
	case Partial:
		return "partial"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// State is the lifecycle of a task. An installed task returns to Pending
// when every call site it held went away with its modules. Removed is final.
type State int32

const (
	Pending State = iota
	Installed
	Removed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Installed:
		return "installed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// HookedInfo describes one install attempt.
type HookedInfo struct {
	Stub     Stub
	Status   error
	Caller   string
	Symbol   string
	New      uintptr
	Previous uintptr
	UserData any
}

// HookedFunc observes install attempts of a task.
type HookedFunc func(HookedInfo)

// Task is one hook request.
type Task struct {
	Stub     Stub
	Kind     Kind
	Symbol   string
	Library  string
	Rules    rules.Set
	Proxy    uintptr
	OrigOut  *atomic.Uintptr
	UserData any
	Hooked   HookedFunc

	state atomic.Int32

	mu sync.Mutex
	// bound is the module instance a Single task attached to.
	bound    *modules.Key
	origSet  bool
	installs int
}

// New creates a pending task.
func New(stub Stub, kind Kind, symbol string, proxy uintptr) *Task {
	return &Task{Stub: stub, Kind: kind, Symbol: symbol, Proxy: proxy}
}

func (t *Task) State() State { return State(t.state.Load()) }

// MarkInstalled moves a pending task to Installed. It reports false when the
// task was removed meanwhile.
func (t *Task) MarkInstalled() bool {
	return t.state.CompareAndSwap(int32(Pending), int32(Installed)) || t.State() == Installed
}

// MarkPending moves an installed task back to Pending. It reports false when
// the task was not installed.
func (t *Task) MarkPending() bool {
	return t.state.CompareAndSwap(int32(Installed), int32(Pending))
}

// MarkRemoved moves the task to Removed and reports whether it was live.
func (t *Task) MarkRemoved() bool {
	for {
		s := t.state.Load()
		if State(s) == Removed {
			return false
		}
		if t.state.CompareAndSwap(s, int32(Removed)) {
			return true
		}
	}
}

// Live reports whether the task still takes part in refresh passes.
func (t *Task) Live() bool { return t.State() != Removed }

// Wants reports whether the task applies to caller module m.
func (t *Task) Wants(m modules.Module) bool {
	switch t.Kind {
	case Single:
		t.mu.Lock()
		bound := t.bound
		t.mu.Unlock()
		if bound != nil {
			return *bound == m.Key()
		}
		if t.Library != "" && !(rules.Pattern{Path: t.Library}).MatchPath(m.Path) {
			return false
		}
		return t.Rules.AllowsCaller(m)
	case Partial, All:
		return t.Rules.AllowsCaller(m)
	}
	return false
}

// Bind attaches a Single task to m. It reports false when the task is
// already bound to another instance.
func (t *Task) Bind(m modules.Module) bool {
	if t.Kind != Single {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := m.Key()
	if t.bound == nil {
		t.bound = &k
		return true
	}
	return *t.bound == k
}

// Unbind detaches a Single task from instance k so it can attach to the
// next matching module. It reports whether the task was bound to k.
func (t *Task) Unbind(k modules.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound == nil || *t.bound != k {
		return false
	}
	t.bound = nil
	return true
}

// Bound returns the instance a Single task attached to.
func (t *Task) Bound() (modules.Key, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bound == nil {
		return modules.Key{}, false
	}
	return *t.bound, true
}

// RecordOrig publishes the original address through OrigOut on the first
// successful install; later installs leave it unchanged.
func (t *Task) RecordOrig(orig uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.installs++
	if t.origSet || t.OrigOut == nil {
		return
	}
	t.OrigOut.Store(orig)
	t.origSet = true
}

// Installs returns the number of call sites the task was installed on.
func (t *Task) Installs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.installs
}

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s %s -> 0x%x)", t.Stub, t.Kind, t.Symbol, t.Proxy)
}
