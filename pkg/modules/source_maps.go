// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package modules

import (
	"bytes"
	"debug/elf"
	"strings"

	"github.com/mbeema/plthook/pkg/procmem"
)

// MapsSource enumerates modules from /proc/<pid>/maps. A module starts at a
// readable file-backed mapping with offset 0 whose first bytes are the ELF
// magic, and extends over the following mappings of the same file.
type MapsSource struct {
	// PID is the process to inspect; 0 means the calling process.
	PID int
	// Reader verifies the ELF magic. Nil skips the check.
	Reader procmem.Reader
}

func (s *MapsSource) Modules() ([]Module, error) {
	maps, err := procmem.ReadMaps(s.PID)
	if err != nil {
		return nil, err
	}
	return FromMappings(maps, s.Reader), nil
}

// FromMappings groups parsed mappings into modules.
func FromMappings(maps []procmem.Mapping, r procmem.Reader) []Module {
	var out []Module
	for i := range maps {
		m := &maps[i]
		if m.Offset != 0 || !strings.HasPrefix(m.Path, "/") || m.Prot&procmem.ProtRead == 0 {
			continue
		}
		if r != nil && !hasELFMagic(r, m.Start) {
			continue
		}

		mod := Module{Path: m.Path, Base: m.Start, End: m.End, Dev: m.Dev, Inode: m.Inode}
		for j := i + 1; j < len(maps); j++ {
			n := &maps[j]
			if n.Path == "" {
				// bss and other anonymous gaps between segments
				continue
			}
			if n.Path != m.Path || n.Inode != m.Inode || n.Offset == 0 {
				break
			}
			mod.End = n.End
		}
		out = append(out, mod)
	}
	return out
}

func hasELFMagic(r procmem.Reader, addr uintptr) bool {
	var magic [4]byte
	if err := r.ReadAt(magic[:], addr); err != nil {
		return false
	}
	return bytes.Equal(magic[:], []byte(elf.ELFMAG))
}
