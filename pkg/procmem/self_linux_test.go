// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package procmem

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestSelfReadAndStore(t *testing.T) {
	s := NewSelf()
	words := make([]uintptr, 4)
	words[1] = 0xdeadbeef
	addr := uintptr(unsafe.Pointer(&words[1]))

	got, err := s.LoadPointer(addr)
	if err != nil {
		t.Fatalf("LoadPointer: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("LoadPointer = %#x, want 0xdeadbeef", got)
	}

	if err := s.StorePointer(addr, 0xcafe); err != nil {
		t.Fatalf("StorePointer: %v", err)
	}
	if words[1] != 0xcafe {
		t.Errorf("words[1] = %#x, want 0xcafe", words[1])
	}

	if err := s.StorePointer(addr+1, 1); err == nil {
		t.Error("unaligned StorePointer should fail")
	}
}

func TestSelfFaultIsRecovered(t *testing.T) {
	s := NewSelf()
	page, err := unix.Mmap(-1, 0, int(s.PageSize()), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	defer unix.Munmap(page)
	addr := uintptr(unsafe.Pointer(&page[0]))

	err = s.StorePointer(addr, 1)
	fe, ok := AsFault(err)
	if !ok {
		t.Fatalf("StorePointer on PROT_NONE = %v, want FaultError", err)
	}
	if fe.Addr != addr {
		t.Errorf("fault addr = %#x, want %#x", fe.Addr, addr)
	}

	if err := s.Protect(addr, s.PageSize(), ProtRead|ProtWrite); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	prot, err := s.Protection(addr)
	if err != nil {
		t.Fatalf("Protection: %v", err)
	}
	if prot != ProtRead|ProtWrite {
		t.Errorf("Protection = %s, want rw-", prot)
	}
	if err := s.StorePointer(addr, 7); err != nil {
		t.Errorf("StorePointer after Protect: %v", err)
	}
}

func TestSelfProbe(t *testing.T) {
	if err := NewSelf().ProbeFaultRecovery(); err != nil {
		t.Fatalf("ProbeFaultRecovery: %v", err)
	}
}

func TestReadCString(t *testing.T) {
	buf := []byte("libfoo.so\x00trailing")
	got, err := ReadCString(NewSelf(), uintptr(unsafe.Pointer(&buf[0])), 256)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if got != "libfoo.so" {
		t.Errorf("ReadCString = %q, want libfoo.so", got)
	}
}
