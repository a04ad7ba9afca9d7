// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux && cgo && (amd64 || arm64)

package native

/*
#include <stdint.h>

void plthook_tramp_bounds(uintptr_t *start, uintptr_t *data, uintptr_t *end);
uintptr_t plthook_enter_fn(void);
uintptr_t plthook_leave_fn(void);
void plthook_flush_icache(uintptr_t start, uintptr_t end);
*/
import "C"

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mbeema/plthook/pkg/hub"
)

// Supported reports whether native trampolines are available.
const Supported = true

// dispatchers maps trampoline ids to their hubs. A trampoline keeps its id
// for the life of the process and is rebound on reuse.
var (
	dispatchers sync.Map // uint64 -> hub.Dispatcher
	nextID      atomic.Uint64
)

//export plthookTrampoEnter
func plthookTrampoEnter(id C.uint64_t, ret C.uintptr_t) C.uintptr_t {
	return C.uintptr_t(dispatcher(uint64(id)).Enter(unix.Gettid(), uintptr(ret)))
}

//export plthookTrampoLeave
func plthookTrampoLeave(id C.uint64_t) C.uintptr_t {
	return C.uintptr_t(dispatcher(uint64(id)).Leave(unix.Gettid()))
}

//export plthookPrevFunc
func plthookPrevFunc(self C.uintptr_t) C.uintptr_t {
	addr, _ := hub.PrevFunc(unix.Gettid(), uintptr(self))
	return C.uintptr_t(addr)
}

//export plthookReturnAddress
func plthookReturnAddress(self C.uintptr_t) C.uintptr_t {
	addr, _ := hub.ReturnAddress(unix.Gettid(), uintptr(self))
	return C.uintptr_t(addr)
}

func dispatcher(id uint64) hub.Dispatcher {
	v, ok := dispatchers.Load(id)
	if !ok {
		// A trampoline only runs while its hub is registered.
		panic(fmt.Sprintf("plthook: call through unregistered trampoline %d", id))
	}
	return v.(hub.Dispatcher)
}

func templateBounds() (start, data, end uintptr) {
	var s, d, e C.uintptr_t
	C.plthook_tramp_bounds(&s, &d, &e)
	return uintptr(s), uintptr(d), uintptr(e)
}

// Template returns the machine code of the trampoline template up to its
// data block.
func Template() []byte {
	start, data, _ := templateBounds()
	return C.GoBytes(unsafe.Pointer(start), C.int(data-start))
}

// Allocator hands out trampolines from executable pages. A page is filled
// with copies of the template when it is mapped and then made read-only
// and executable; it is never written again.
type Allocator struct {
	mu     sync.Mutex
	stride uintptr
	free   []*Trampoline
	pages  int
}

// NewAllocator creates an allocator.
func NewAllocator() *Allocator {
	start, _, end := templateBounds()
	return &Allocator{stride: (end - start + 15) &^ 15}
}

var defaultAllocator = sync.OnceValue(NewAllocator)

// DefaultAllocator returns the process-wide allocator.
func DefaultAllocator() *Allocator { return defaultAllocator() }

// Trampoline is one dispatch stub.
type Trampoline struct {
	a    *Allocator
	id   uint64
	addr uintptr
	used atomic.Bool
}

func (t *Trampoline) Addr() uintptr { return t.addr }

// Free unregisters the trampoline and returns it to the pool.
func (t *Trampoline) Free() error {
	if !t.used.CompareAndSwap(true, false) {
		return fmt.Errorf("trampoline 0x%x freed twice", t.addr)
	}
	dispatchers.Delete(t.id)
	t.a.mu.Lock()
	t.a.free = append(t.a.free, t)
	t.a.mu.Unlock()
	return nil
}

// Alloc implements hub.Allocator.
func (a *Allocator) Alloc(d hub.Dispatcher) (hub.Trampoline, error) {
	a.mu.Lock()
	if len(a.free) == 0 {
		if err := a.growLocked(); err != nil {
			a.mu.Unlock()
			return nil, err
		}
	}
	t := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.mu.Unlock()

	dispatchers.Store(t.id, d)
	t.used.Store(true)
	return t, nil
}

// Stats returns the number of mapped pages and pooled trampolines.
func (a *Allocator) Stats() (pages, free int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages, len(a.free)
}

func (a *Allocator) growLocked() error {
	size := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("mmap trampoline page: %w", err)
	}
	start, data, _ := templateBounds()
	dataOff := data - start
	tmpl := Template()
	enter := uint64(C.plthook_enter_fn())
	leave := uint64(C.plthook_leave_fn())

	base := uintptr(unsafe.Pointer(&mem[0]))
	var made []*Trampoline
	for off := uintptr(0); off+a.stride <= uintptr(size); off += a.stride {
		copy(mem[off:], tmpl)
		id := nextID.Add(1)
		block := mem[off+dataOff:]
		binary.LittleEndian.PutUint64(block[0:], id)
		binary.LittleEndian.PutUint64(block[8:], enter)
		binary.LittleEndian.PutUint64(block[16:], leave)
		made = append(made, &Trampoline{a: a, id: id, addr: base + off})
	}
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return fmt.Errorf("mprotect trampoline page: %w", err)
	}
	C.plthook_flush_icache(C.uintptr_t(base), C.uintptr_t(base+uintptr(size)))
	a.pages++
	a.free = append(a.free, made...)
	return nil
}
