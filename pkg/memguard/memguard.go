// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package memguard writes GOT slots under temporarily widened page
// protection. Each write holds a protection slot describing the page range
// and its original protection; a fault on a page covered by a valid in-use
// slot is recovered by re-widening and retrying once.
package memguard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/procmem"
)

// ErrProtectionFailure reports a patch that could not be completed.
var ErrProtectionFailure = errors.New("protection failure")

// DefaultSlots is the initial capacity of the slot pool.
const DefaultSlots = 8

// Outcome classifies a guarded write.
type Outcome int

const (
	OK Outcome = iota
	Recovered
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Recovered:
		return "recovered"
	default:
		return "fatal"
	}
}

// Slot is one entry of the protection pool. In-use slots never overlap.
type Slot struct {
	mu sync.Mutex

	// Guarded by Manager.mu.
	start, end uintptr
	inUse      bool
	valid      bool
	refs       int

	// Guarded by mu.
	orig    procmem.Prot
	widened bool
}

func (s *Slot) overlaps(start, end uintptr) bool {
	return s.start < end && start < s.end
}

func (s *Slot) contains(addr uintptr) bool {
	return addr >= s.start && addr < s.end
}

// Stats are cumulative counters.
type Stats struct {
	Slots     int
	InUse     int
	Patches   uint64
	Widenings uint64
	Recovered uint64
	Failures  uint64
}

// Manager owns the slot pool.
type Manager struct {
	mem    procmem.Memory
	prot   procmem.Protector
	logger *zap.Logger

	mu    sync.Mutex
	slots []*Slot

	patches   atomic.Uint64
	widenings atomic.Uint64
	recovered atomic.Uint64
	failures  atomic.Uint64
}

// New creates a manager with initial preallocated slots.
func New(mem procmem.Memory, prot procmem.Protector, initial int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initial <= 0 {
		initial = DefaultSlots
	}
	m := &Manager{mem: mem, prot: prot, logger: logger}
	m.slots = make([]*Slot, initial)
	for i := range m.slots {
		m.slots[i] = &Slot{}
	}
	return m
}

// acquire returns the slot covering [start, end), sharing an overlapping
// in-use slot or claiming a free one. The pool grows when all are busy.
func (m *Manager) acquire(start, end uintptr) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var free *Slot
	for _, s := range m.slots {
		if s.inUse {
			if s.valid && s.overlaps(start, end) {
				s.refs++
				return s
			}
			continue
		}
		if free == nil {
			free = s
		}
	}
	if free == nil {
		free = &Slot{}
		m.slots = append(m.slots, free)
		m.logger.Debug("protection pool grown", zap.Int("slots", len(m.slots)))
	}
	free.start, free.end = start, end
	free.inUse, free.valid = true, true
	free.refs = 1
	return free
}

func (m *Manager) release(s *Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		s.inUse = false
	}
}

// recoverable reports whether a fault at addr lies in a valid in-use slot.
func (m *Manager) recoverable(s *Slot, addr uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.inUse && s.valid && s.contains(addr)
}

// Patch stores val at the pointer-sized slot addr. The page is widened to
// read-write only if it is not writable already and restored afterwards.
func (m *Manager) Patch(addr, val uintptr) (Outcome, error) {
	m.patches.Add(1)
	ps := m.prot.PageSize()
	start := procmem.PageStart(addr, ps)
	end := procmem.PageEnd(addr+8, ps)

	s := m.acquire(start, end)
	defer m.release(s)
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome, err := m.patchLocked(s, addr, val)
	if err != nil {
		m.failures.Add(1)
		m.logger.Warn("guarded write failed",
			zap.String("addr", fmt.Sprintf("0x%x", addr)),
			zap.Error(err),
		)
	}
	return outcome, err
}

func (m *Manager) patchLocked(s *Slot, addr, val uintptr) (Outcome, error) {
	orig, err := m.prot.Protection(addr)
	if err != nil {
		return Fatal, fmt.Errorf("%w: query 0x%x: %v", ErrProtectionFailure, addr, err)
	}
	s.orig = orig
	s.widened = false
	if orig&procmem.ProtWrite == 0 {
		if err := m.widen(s); err != nil {
			return Fatal, err
		}
	}
	defer m.restore(s)

	outcome := OK
	err = m.mem.StorePointer(addr, val)
	if fe, ok := procmem.AsFault(err); ok && m.recoverable(s, fe.Addr) {
		m.logger.Debug("write faulted, re-widening", zap.String("addr", fmt.Sprintf("0x%x", fe.Addr)))
		if err := m.widen(s); err != nil {
			return Fatal, err
		}
		err = m.mem.StorePointer(addr, val)
		if err == nil {
			outcome = Recovered
			m.recovered.Add(1)
		}
	}
	if err != nil {
		return Fatal, fmt.Errorf("%w: write 0x%x: %v", ErrProtectionFailure, addr, err)
	}

	got, err := m.mem.LoadPointer(addr)
	if err != nil {
		return Fatal, fmt.Errorf("%w: verify 0x%x: %v", ErrProtectionFailure, addr, err)
	}
	if got != val {
		return Fatal, fmt.Errorf("%w: verify 0x%x: read back 0x%x, want 0x%x", ErrProtectionFailure, addr, got, val)
	}
	return outcome, nil
}

func (m *Manager) widen(s *Slot) error {
	prot := s.orig | procmem.ProtRead | procmem.ProtWrite
	if err := m.prot.Protect(s.start, s.end-s.start, prot); err != nil {
		return fmt.Errorf("%w: %v", ErrProtectionFailure, err)
	}
	s.widened = true
	m.widenings.Add(1)
	return nil
}

func (m *Manager) restore(s *Slot) {
	if !s.widened {
		return
	}
	if err := m.prot.Protect(s.start, s.end-s.start, s.orig); err != nil {
		m.logger.Warn("restoring page protection failed",
			zap.String("start", fmt.Sprintf("0x%x", s.start)),
			zap.String("prot", s.orig.String()),
			zap.Error(err),
		)
	}
	s.widened = false
}

// Read loads the pointer at addr.
func (m *Manager) Read(addr uintptr) (uintptr, error) {
	return m.mem.LoadPointer(addr)
}

// Invalidate marks the slots overlapping [start, end) invalid, typically
// because the module mapping them was unloaded. Faults on them are no
// longer recovered.
func (m *Manager) Invalidate(start, end uintptr) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.inUse && s.valid && s.overlaps(start, end) {
			s.valid = false
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{Slots: len(m.slots)}
	for _, s := range m.slots {
		if s.inUse {
			st.InUse++
		}
	}
	m.mu.Unlock()
	st.Patches = m.patches.Load()
	st.Widenings = m.widenings.Load()
	st.Recovered = m.recovered.Load()
	st.Failures = m.failures.Load()
	return st
}
