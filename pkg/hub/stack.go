// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hub

import (
	"sync"
	"time"
)

type frame struct {
	hub *Hub
	// snap is nil for ring frames.
	snap *Snapshot
	ret  uintptr
}

// threadStack is only touched by the thread it belongs to.
type threadStack struct {
	frames []frame
}

var stacks sync.Map // tid -> *threadStack

func stackFor(tid int) *threadStack {
	if v, ok := stacks.Load(tid); ok {
		return v.(*threadStack)
	}
	st := &threadStack{frames: make([]frame, 0, 4)}
	stacks.Store(tid, st)
	return st
}

func (st *threadStack) push(f frame) { st.frames = append(st.frames, f) }

func (st *threadStack) holds(h *Hub) bool {
	for i := range st.frames {
		if st.frames[i].hub == h {
			return true
		}
	}
	return false
}

// popFrame removes the innermost frame of h. Frames above it belong to calls
// that unwound without Leave, which cannot happen through a trampoline; they
// are dropped with it.
func popFrame(tid int, h *Hub) (frame, bool) {
	v, ok := stacks.Load(tid)
	if !ok {
		return frame{}, false
	}
	st := v.(*threadStack)
	for i := len(st.frames) - 1; i >= 0; i-- {
		if st.frames[i].hub != h {
			continue
		}
		f := st.frames[i]
		for _, dropped := range st.frames[i+1:] {
			if dropped.snap != nil {
				dropped.snap.readers.Add(-1)
			}
		}
		st.frames = st.frames[:i]
		if len(st.frames) == 0 {
			stacks.Delete(tid)
		}
		return f, true
	}
	return frame{}, false
}

// lookup finds the innermost frame on tid's stack whose snapshot contains
// proxy.
func lookup(tid int, proxy uintptr) (frame, int, bool) {
	v, ok := stacks.Load(tid)
	if !ok {
		return frame{}, -1, false
	}
	st := v.(*threadStack)
	for i := len(st.frames) - 1; i >= 0; i-- {
		f := st.frames[i]
		if f.snap == nil {
			continue
		}
		if idx := f.snap.index(proxy); idx >= 0 {
			return f, idx, true
		}
	}
	return frame{}, -1, false
}

// PrevFunc returns the address a proxy should call to continue the chain:
// the next older proxy of the snapshot the calling thread pinned, or the
// original function. ok is false when self is not running on tid.
func PrevFunc(tid int, self uintptr) (uintptr, bool) {
	f, idx, ok := lookup(tid, self)
	if !ok {
		return 0, false
	}
	if idx+1 < len(f.snap.entries) {
		return f.snap.entries[idx+1].Proxy, true
	}
	return f.hub.orig, true
}

// ReturnAddress returns the return address recorded when the call that is
// running proxy self on tid entered its hub.
func ReturnAddress(tid int, self uintptr) (uintptr, bool) {
	f, _, ok := lookup(tid, self)
	if !ok {
		return 0, false
	}
	return f.ret, true
}

// Depth returns the number of hub frames on tid's stack.
func Depth(tid int) int {
	v, ok := stacks.Load(tid)
	if !ok {
		return 0
	}
	return len(v.(*threadStack).frames)
}

func ownPins(tid int, s *Snapshot) int64 {
	v, ok := stacks.Load(tid)
	if !ok {
		return 0
	}
	var n int64
	for _, f := range v.(*threadStack).frames {
		if f.snap == s {
			n++
		}
	}
	return n
}

const (
	minBackoff = 10 * time.Microsecond
	maxBackoff = time.Millisecond
)

// WaitQuiescent waits until no thread other than tid pins any of snaps, or
// until timeout. It reports whether quiescence was reached. Pins held by
// tid itself are excluded, so a proxy may remove its own entry.
func WaitQuiescent(tid int, snaps []*Snapshot, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	backoff := minBackoff
	for _, s := range snaps {
		if s == nil {
			continue
		}
		own := ownPins(tid, s)
		for s.readers.Load() > own {
			if time.Now().After(deadline) {
				return false
			}
			time.Sleep(backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
		}
	}
	return true
}
