// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package records keeps an in-memory audit trail of hook operations.
package records

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of records kept before the oldest is
// evicted.
const DefaultCapacity = 4096

// Op is the recorded operation.
type Op int

const (
	OpHook Op = iota + 1
	OpUnhook
)

func (o Op) String() string {
	switch o {
	case OpHook:
		return "HOOK"
	case OpUnhook:
		return "UNHOOK"
	default:
		return "UNKNOWN"
	}
}

// Item selects record fields for Dump.
type Item uint32

const (
	ItemTimestamp Item = 1 << iota
	ItemCaller
	ItemOp
	ItemCallee
	ItemSymbol
	ItemNewAddr
	ItemStatus
	ItemStub

	ItemAll = ItemTimestamp | ItemCaller | ItemOp | ItemCallee | ItemSymbol | ItemNewAddr | ItemStatus | ItemStub
)

// Record is one audited operation.
type Record struct {
	Time    time.Time
	Op      Op
	Caller  string
	Callee  string
	Symbol  string
	NewAddr uintptr
	Status  string
	Stub    uint64
}

// Buffer is a bounded ring of records, safe for concurrent use.
type Buffer struct {
	enabled atomic.Bool
	dropped atomic.Uint64

	mu   sync.Mutex
	ring []Record
	next int
	full bool
}

// New creates an enabled buffer.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{ring: make([]Record, capacity)}
	b.enabled.Store(true)
	return b
}

// SetEnabled turns recording on or off. Records added while disabled are
// discarded.
func (b *Buffer) SetEnabled(on bool) { b.enabled.Store(on) }

func (b *Buffer) Enabled() bool { return b.enabled.Load() }

// Add appends r, evicting the oldest record when full.
func (b *Buffer) Add(r Record) {
	if !b.enabled.Load() {
		return
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		b.dropped.Add(1)
	}
	b.ring[b.next] = r
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
}

// Snapshot returns the records oldest first.
func (b *Buffer) Snapshot() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]Record(nil), b.ring[:b.next]...)
	}
	out := make([]Record, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

// Len returns the number of records held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.ring)
	}
	return b.next
}

// Evicted returns the number of records lost to eviction.
func (b *Buffer) Evicted() uint64 { return b.dropped.Load() }

// Dump writes the records as CSV, one line per record, with the fields
// selected by items in declaration order.
func (b *Buffer) Dump(w io.Writer, items Item) error {
	if items == 0 {
		return fmt.Errorf("no record items selected")
	}
	cw := csv.NewWriter(w)
	for _, r := range b.Snapshot() {
		if err := cw.Write(r.fields(items)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (r Record) fields(items Item) []string {
	var out []string
	if items&ItemTimestamp != 0 {
		out = append(out, strconv.FormatInt(r.Time.UnixMilli(), 10))
	}
	if items&ItemCaller != 0 {
		out = append(out, orUnknown(r.Caller))
	}
	if items&ItemOp != 0 {
		out = append(out, r.Op.String())
	}
	if items&ItemCallee != 0 {
		out = append(out, r.Callee)
	}
	if items&ItemSymbol != 0 {
		out = append(out, r.Symbol)
	}
	if items&ItemNewAddr != 0 {
		out = append(out, fmt.Sprintf("0x%x", r.NewAddr))
	}
	if items&ItemStatus != 0 {
		out = append(out, r.Status)
	}
	if items&ItemStub != 0 {
		out = append(out, fmt.Sprintf("0x%x", r.Stub))
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
