// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package procmem

import (
	"fmt"
	"os"
)

// PIDReader reads another process's memory through /proc/<pid>/mem. It is
// read-only and used for inspection.
type PIDReader struct {
	pid int
	f   *os.File
}

// OpenPID opens the memory of pid for reading.
func OpenPID(pid int) (*PIDReader, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, fmt.Errorf("open mem: %w", err)
	}
	return &PIDReader{pid: pid, f: f}, nil
}

func (r *PIDReader) ReadAt(p []byte, addr uintptr) error {
	n, err := r.f.ReadAt(p, int64(addr))
	if err != nil || n != len(p) {
		return &FaultError{Addr: addr + uintptr(n), Op: "read"}
	}
	return nil
}

// Close releases the mem file.
func (r *PIDReader) Close() error {
	return r.f.Close()
}
