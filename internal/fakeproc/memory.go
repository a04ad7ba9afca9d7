// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package fakeproc

import (
	"encoding/binary"
	"fmt"

	"github.com/mbeema/plthook/pkg/procmem"
)

type page struct {
	data [PageSize]byte
	prot procmem.Prot
}

// mapLocked maps b at base with prot. Caller holds p.mu.
func (p *Process) mapLocked(base uintptr, b []byte, prot procmem.Prot) {
	for off := 0; off < len(b); off += PageSize {
		pg := &page{prot: prot}
		copy(pg.data[:], b[off:])
		p.pages[base+uintptr(off)] = pg
	}
}

func (p *Process) unmapLocked(start, end uintptr) {
	for a := start; a < end; a += PageSize {
		delete(p.pages, a)
	}
}

func (p *Process) access(addr uintptr, n int, need procmem.Prot, op string, fn func(pg *page, off int, n int)) error {
	for n > 0 {
		start := procmem.PageStart(addr, PageSize)
		pg, ok := p.pages[start]
		if !ok || pg.prot&need != need {
			return &procmem.FaultError{Addr: addr, Op: op}
		}
		off := int(addr - start)
		chunk := PageSize - off
		if chunk > n {
			chunk = n
		}
		fn(pg, off, chunk)
		addr += uintptr(chunk)
		n -= chunk
	}
	return nil
}

func (p *Process) ReadAt(b []byte, addr uintptr) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	done := 0
	return p.access(addr, len(b), procmem.ProtRead, "read", func(pg *page, off, n int) {
		copy(b[done:done+n], pg.data[off:off+n])
		done += n
	})
}

func (p *Process) LoadPointer(addr uintptr) (uintptr, error) {
	if addr%8 != 0 {
		return 0, fmt.Errorf("unaligned read at 0x%x", addr)
	}
	var b [8]byte
	if err := p.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(b[:])), nil
}

func (p *Process) StorePointer(addr, val uintptr) error {
	if addr%8 != 0 {
		return fmt.Errorf("unaligned write at 0x%x", addr)
	}
	if hook := p.beforeStore.Load(); hook != nil {
		(*hook)(addr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stores++
	return p.access(addr, 8, procmem.ProtWrite, "write", func(pg *page, off, _ int) {
		binary.LittleEndian.PutUint64(pg.data[off:], uint64(val))
	})
}

// poke writes without permission checks, as the dynamic linker does while
// binding. Caller holds p.mu.
func (p *Process) pokeLocked(addr, val uintptr) {
	if pg, ok := p.pages[procmem.PageStart(addr, PageSize)]; ok {
		binary.LittleEndian.PutUint64(pg.data[addr%PageSize:], uint64(val))
	}
}

// BeforeStore installs fn to run before every StorePointer, or removes the
// hook when fn is nil. Tests use it to change protections under a writer.
func (p *Process) BeforeStore(fn func(addr uintptr)) {
	if fn == nil {
		p.beforeStore.Store(nil)
		return
	}
	p.beforeStore.Store(&fn)
}

// Stores returns the number of StorePointer calls.
func (p *Process) Stores() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stores
}

func (p *Process) PageSize() uintptr { return PageSize }

func (p *Process) Protection(addr uintptr) (procmem.Prot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pg, ok := p.pages[procmem.PageStart(addr, PageSize)]
	if !ok {
		return procmem.ProtNone, fmt.Errorf("0x%x is not mapped", addr)
	}
	return pg.prot, nil
}

func (p *Process) Protect(start, length uintptr, prot procmem.Prot) error {
	if start%PageSize != 0 {
		return fmt.Errorf("mprotect 0x%x: unaligned", start)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	end := procmem.PageEnd(start+length, PageSize)
	for a := start; a < end; a += PageSize {
		if _, ok := p.pages[a]; !ok {
			return fmt.Errorf("mprotect 0x%x+0x%x: not mapped", start, length)
		}
	}
	for a := start; a < end; a += PageSize {
		p.pages[a].prot = prot
	}
	p.protects++
	return nil
}

// Protects returns the number of successful Protect calls.
func (p *Process) Protects() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.protects
}
