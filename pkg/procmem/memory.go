// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package procmem provides the memory capabilities the hook engine consumes:
// guarded reads and pointer-sized writes, page permission queries and
// changes, and /proc/<pid>/maps parsing.
package procmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Prot is a page protection bitmask. Values match PROT_READ, PROT_WRITE and
// PROT_EXEC.
type Prot int

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ParseProt converts the permission column of a maps line ("r-xp") to a Prot.
func ParseProt(perms string) Prot {
	var p Prot
	if len(perms) > 0 && perms[0] == 'r' {
		p |= ProtRead
	}
	if len(perms) > 1 && perms[1] == 'w' {
		p |= ProtWrite
	}
	if len(perms) > 2 && perms[2] == 'x' {
		p |= ProtExec
	}
	return p
}

// Reader reads process memory. Implementations return a *FaultError when
// the range is not readable.
type Reader interface {
	ReadAt(p []byte, addr uintptr) error
}

// Memory is a Reader that can also load and store aligned pointer-sized words
// atomically. StorePointer does not change page permissions.
type Memory interface {
	Reader
	LoadPointer(addr uintptr) (uintptr, error)
	StorePointer(addr, val uintptr) error
}

// Protector queries and changes page permissions.
type Protector interface {
	PageSize() uintptr
	Protection(addr uintptr) (Prot, error)
	Protect(start, length uintptr, prot Prot) error
}

// FaultError reports an access that faulted.
type FaultError struct {
	Addr uintptr
	Op   string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s fault at 0x%x", e.Op, e.Addr)
}

// AsFault unwraps err to a *FaultError.
func AsFault(err error) (*FaultError, bool) {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// PageStart rounds addr down to a page boundary.
func PageStart(addr, pageSize uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

// PageEnd rounds addr up to a page boundary.
func PageEnd(addr, pageSize uintptr) uintptr {
	return (addr + pageSize - 1) &^ (pageSize - 1)
}

// ReadUint32 reads a little-endian uint32.
func ReadUint32(r Reader, addr uintptr) (uint32, error) {
	var b [4]byte
	if err := r.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadUint64 reads a little-endian uint64.
func ReadUint64(r Reader, addr uintptr) (uint64, error) {
	var b [8]byte
	if err := r.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func ReadCString(r Reader, addr uintptr, max int) (string, error) {
	var out []byte
	var chunk [64]byte
	for len(out) < max {
		// Reads never cross a 64-byte boundary, hence never a page boundary.
		n := len(chunk) - int(addr%uintptr(len(chunk)))
		if err := r.ReadAt(chunk[:n], addr); err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			if chunk[i] == 0 {
				return string(append(out, chunk[:i]...)), nil
			}
		}
		out = append(out, chunk[:n]...)
		addr += uintptr(n)
	}
	return "", fmt.Errorf("string at 0x%x exceeds %d bytes", addr, max)
}
