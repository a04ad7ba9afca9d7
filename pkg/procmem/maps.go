// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package procmem

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Offset uintptr
	Prot   Prot
	Dev    string
	Inode  uint64
	Path   string
}

// Contains reports whether addr lies inside the mapping.
func (m *Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// MapsPath returns the maps file of pid; pid 0 means the calling process.
func MapsPath(pid int) string {
	if pid == 0 {
		return "/proc/self/maps"
	}
	return fmt.Sprintf("/proc/%d/maps", pid)
}

// ReadMaps parses the maps file of pid.
func ReadMaps(pid int) ([]Mapping, error) {
	f, err := os.Open(MapsPath(pid))
	if err != nil {
		return nil, fmt.Errorf("open maps: %w", err)
	}
	defer f.Close()
	return ParseMaps(f)
}

// ParseMaps parses maps content.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if m := ParseMapsLine(scanner.Text()); m != nil {
			out = append(out, *m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan maps: %w", err)
	}
	return out, nil
}

// ParseMapsLine parses a single maps line, returning nil if it is malformed.
func ParseMapsLine(line string) *Mapping {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return nil
	}

	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return nil
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return nil
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return nil
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return nil
	}

	path := ""
	if len(fields) >= 6 {
		// Paths may contain spaces.
		path = strings.Join(fields[5:], " ")
		path = strings.TrimSuffix(path, " (deleted)")
	}

	return &Mapping{
		Start:  uintptr(start),
		End:    uintptr(end),
		Offset: uintptr(offset),
		Prot:   ParseProt(fields[1]),
		Dev:    fields[3],
		Inode:  inode,
		Path:   path,
	}
}

// FindMapping returns the mapping containing addr.
func FindMapping(maps []Mapping, addr uintptr) (*Mapping, bool) {
	for i := range maps {
		if maps[i].Contains(addr) {
			return &maps[i], true
		}
	}
	return nil, false
}
