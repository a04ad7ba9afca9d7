// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hub implements the per-call-site dispatch point. A hooked GOT
// slot points at the hub's trampoline; the trampoline asks the hub which
// proxy to run. The proxy chain is an immutable snapshot swapped atomically
// by writers, so dispatch never takes a lock.
package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDuplicateProxy reports a proxy already present in the chain.
	ErrDuplicateProxy = errors.New("proxy already installed on this call site")
	// ErrDuplicateTask reports a task already present in the chain.
	ErrDuplicateTask = errors.New("task already installed on this call site")
	// ErrNotActive reports a mutation on a draining or dead hub.
	ErrNotActive = errors.New("hub is not active")
)

// State is the lifecycle of a hub.
type State int32

const (
	Active State = iota
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Entry is one proxy in a chain.
type Entry struct {
	Task  uint64
	Proxy uintptr
}

// Snapshot is an immutable chain, newest entry first. Readers pin it for the
// duration of a call.
type Snapshot struct {
	entries []Entry
	readers atomic.Int64
}

func (s *Snapshot) index(proxy uintptr) int {
	for i, e := range s.entries {
		if e.Proxy == proxy {
			return i
		}
	}
	return -1
}

// Readers returns the number of calls currently pinning the snapshot.
func (s *Snapshot) Readers() int64 { return s.readers.Load() }

// Dispatcher is what a trampoline calls into.
type Dispatcher interface {
	ID() uint64
	// Enter returns the address the trampoline must call.
	Enter(tid int, ret uintptr) uintptr
	// Leave is called once per Enter after the target returns. It returns
	// the return address recorded by the matching Enter.
	Leave(tid int) uintptr
}

// Trampoline is executable code bound to one Dispatcher.
type Trampoline interface {
	Addr() uintptr
	Free() error
}

// Allocator creates trampolines.
type Allocator interface {
	Alloc(d Dispatcher) (Trampoline, error)
}

// Hub dispatches calls for one GOT slot.
type Hub struct {
	id    uint64
	orig  uintptr
	tramp Trampoline

	cur      atomic.Pointer[Snapshot]
	inflight atomic.Int64
	state    atomic.Int32
	calls    atomic.Uint64
	rings    atomic.Uint64

	mu        sync.Mutex
	drainedAt time.Time
}

// New creates an active hub for a slot whose original target is orig and
// allocates its trampoline.
func New(id uint64, orig uintptr, alloc Allocator) (*Hub, error) {
	h := &Hub{id: id, orig: orig}
	h.cur.Store(&Snapshot{})
	t, err := alloc.Alloc(h)
	if err != nil {
		return nil, fmt.Errorf("allocate trampoline: %w", err)
	}
	h.tramp = t
	return h, nil
}

func (h *Hub) ID() uint64 { return h.id }

// Orig returns the address the slot held before the hub was installed.
func (h *Hub) Orig() uintptr { return h.orig }

// Addr returns the trampoline address written into the slot.
func (h *Hub) Addr() uintptr { return h.tramp.Addr() }

func (h *Hub) State() State { return State(h.state.Load()) }

// InFlight returns the number of calls currently inside the hub.
func (h *Hub) InFlight() int64 { return h.inflight.Load() }

// Calls returns the number of dispatched calls, ring calls included.
func (h *Hub) Calls() uint64 { return h.calls.Load() }

// Rings returns the number of calls short-circuited to the original.
func (h *Hub) Rings() uint64 { return h.rings.Load() }

// Entries returns the current chain, newest first.
func (h *Hub) Entries() []Entry {
	return append([]Entry(nil), h.cur.Load().entries...)
}

// Len returns the chain length.
func (h *Hub) Len() int { return len(h.cur.Load().entries) }

// Enter implements Dispatcher. A thread already inside this hub is routed
// straight to the original so a proxy that calls the hooked symbol does not
// recurse into itself.
func (h *Hub) Enter(tid int, ret uintptr) uintptr {
	h.inflight.Add(1)
	h.calls.Add(1)
	st := stackFor(tid)
	if st.holds(h) {
		h.rings.Add(1)
		st.push(frame{hub: h, ret: ret})
		return h.orig
	}
	s := h.pin()
	st.push(frame{hub: h, snap: s, ret: ret})
	if len(s.entries) == 0 {
		return h.orig
	}
	return s.entries[0].Proxy
}

// Leave implements Dispatcher.
func (h *Hub) Leave(tid int) uintptr {
	f, ok := popFrame(tid, h)
	if ok && f.snap != nil {
		f.snap.readers.Add(-1)
	}
	h.inflight.Add(-1)
	return f.ret
}

// pin loads the current snapshot and registers a reader on it. The reload
// check ensures a writer that swapped the pointer concurrently either sees
// the reader or the reader retries on the new snapshot.
func (h *Hub) pin() *Snapshot {
	for {
		s := h.cur.Load()
		s.readers.Add(1)
		if h.cur.Load() == s {
			return s
		}
		s.readers.Add(-1)
	}
}

// Add installs e at the head of the chain and returns the replaced
// snapshot.
func (h *Hub) Add(e Entry) (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.State() != Active {
		return nil, ErrNotActive
	}
	old := h.cur.Load()
	for _, x := range old.entries {
		if x.Proxy == e.Proxy {
			return nil, ErrDuplicateProxy
		}
		if x.Task == e.Task {
			return nil, ErrDuplicateTask
		}
	}
	next := &Snapshot{entries: make([]Entry, 0, len(old.entries)+1)}
	next.entries = append(next.entries, e)
	next.entries = append(next.entries, old.entries...)
	h.cur.Store(next)
	return old, nil
}

// Remove drops the entry of task. It returns the replaced snapshot (nil when
// the task was absent) and whether the chain is now empty.
func (h *Hub) Remove(task uint64) (*Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.cur.Load()
	idx := -1
	for i, x := range old.entries {
		if x.Task == task {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, len(old.entries) == 0
	}
	next := &Snapshot{entries: make([]Entry, 0, len(old.entries)-1)}
	next.entries = append(next.entries, old.entries[:idx]...)
	next.entries = append(next.entries, old.entries[idx+1:]...)
	h.cur.Store(next)
	return old, len(next.entries) == 0
}

// Has reports whether task has an entry.
func (h *Hub) Has(task uint64) bool {
	for _, x := range h.cur.Load().entries {
		if x.Task == task {
			return true
		}
	}
	return false
}

// Drain retires the hub after its slot was restored. Calls already inside
// keep running on their pinned snapshots.
func (h *Hub) Drain(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.CompareAndSwap(int32(Active), int32(Draining)) {
		h.drainedAt = now
	}
}

// Reclaimable reports whether a draining hub has no calls in flight and has
// been draining for at least grace.
func (h *Hub) Reclaimable(now time.Time, grace time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.State() == Draining && h.inflight.Load() == 0 && now.Sub(h.drainedAt) >= grace
}

// Reclaim frees the trampoline of a drained hub. When the trampoline
// cannot be freed the hub stays draining so a later Reclaim can retry.
func (h *Hub) Reclaim() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CompareAndSwap(int32(Draining), int32(Dead)) {
		return fmt.Errorf("reclaim hub %d: %w", h.id, ErrNotActive)
	}
	if err := h.tramp.Free(); err != nil {
		h.state.Store(int32(Draining))
		return fmt.Errorf("reclaim hub %d: %w", h.id, err)
	}
	return nil
}
