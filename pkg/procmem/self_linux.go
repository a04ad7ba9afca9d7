// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package procmem

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Self accesses the memory of the calling process. Every access runs with
// debug.SetPanicOnFault enabled and converts a fault into a *FaultError, so
// a module unmapped concurrently with a scan yields an error instead of a
// crash.
type Self struct {
	pageSize uintptr
}

// NewSelf returns the accessor for the calling process.
func NewSelf() *Self {
	return &Self{pageSize: uintptr(unix.Getpagesize())}
}

func (s *Self) PageSize() uintptr { return s.pageSize }

func (s *Self) ReadAt(p []byte, addr uintptr) (err error) {
	if len(p) == 0 {
		return nil
	}
	if addr < s.pageSize {
		return &FaultError{Addr: addr, Op: "read"}
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer recoverFault(&err, "read")
	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)))
	return nil
}

func (s *Self) LoadPointer(addr uintptr) (val uintptr, err error) {
	if err := s.checkWord(addr, "read"); err != nil {
		return 0, err
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer recoverFault(&err, "read")
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr))), nil
}

func (s *Self) StorePointer(addr, val uintptr) (err error) {
	if err := s.checkWord(addr, "write"); err != nil {
		return err
	}
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer recoverFault(&err, "write")
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(addr)), val)
	return nil
}

func (s *Self) checkWord(addr uintptr, op string) error {
	if addr < s.pageSize {
		return &FaultError{Addr: addr, Op: op}
	}
	if addr%unsafe.Sizeof(uintptr(0)) != 0 {
		return fmt.Errorf("unaligned %s at 0x%x", op, addr)
	}
	return nil
}

// recoverFault turns a memory fault panic into a *FaultError. Any other
// panic is re-raised.
func recoverFault(err *error, op string) {
	r := recover()
	if r == nil {
		return
	}
	if fault, ok := r.(interface{ Addr() uintptr }); ok {
		*err = &FaultError{Addr: fault.Addr(), Op: op}
		return
	}
	panic(r)
}

// Protection returns the current protection of the page holding addr.
func (s *Self) Protection(addr uintptr) (Prot, error) {
	maps, err := ReadMaps(0)
	if err != nil {
		return ProtNone, err
	}
	m, ok := FindMapping(maps, addr)
	if !ok {
		return ProtNone, fmt.Errorf("0x%x is not mapped", addr)
	}
	return m.Prot, nil
}

func (s *Self) Protect(start, length uintptr, prot Prot) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	if err := unix.Mprotect(b, int(prot)); err != nil {
		return fmt.Errorf("mprotect 0x%x+0x%x %s: %w", start, length, prot, err)
	}
	return nil
}

// ProbeFaultRecovery checks that a fault on a PROT_NONE page is recovered
// rather than crashing the process.
func (s *Self) ProbeFaultRecovery() error {
	page, err := unix.Mmap(-1, 0, int(s.pageSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("mmap probe page: %w", err)
	}
	defer unix.Munmap(page)

	var b [8]byte
	err = s.ReadAt(b[:], uintptr(unsafe.Pointer(&page[0])))
	if _, ok := AsFault(err); !ok {
		return fmt.Errorf("probe read of PROT_NONE page returned %v", err)
	}
	return nil
}
