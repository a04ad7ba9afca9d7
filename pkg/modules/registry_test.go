// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package modules

import (
	"strings"
	"testing"

	"github.com/mbeema/plthook/pkg/procmem"
)

func mod(path string, base uintptr, inode uint64) Module {
	return Module{Path: path, Base: base, End: base + 0x1000, Dev: "08:01", Inode: inode}
}

func TestRegistryAssignsInstances(t *testing.T) {
	r := NewRegistry()
	d := r.Update([]Module{mod("/lib/a.so", 0x1000, 1), mod("/lib/b.so", 0x5000, 2)})
	if len(d.Added) != 2 || len(d.Removed) != 0 {
		t.Fatalf("added/removed = %d/%d, want 2/0", len(d.Added), len(d.Removed))
	}
	for _, m := range d.All {
		if m.Instance != 1 {
			t.Errorf("%s instance = %d, want 1", m.Path, m.Instance)
		}
	}

	// Second load of the same path at another base gets instance 2.
	d = r.Update([]Module{mod("/lib/a.so", 0x1000, 1), mod("/lib/b.so", 0x5000, 2), mod("/lib/a.so", 0x9000, 1)})
	if len(d.Added) != 1 {
		t.Fatalf("added = %d, want 1", len(d.Added))
	}
	if d.Added[0].Instance != 2 {
		t.Errorf("second load instance = %d, want 2", d.Added[0].Instance)
	}
	if !d.Changed() {
		t.Error("Changed() = false, want true")
	}
}

func TestRegistryInstanceStableAcrossUnload(t *testing.T) {
	r := NewRegistry()
	r.Update([]Module{mod("/lib/a.so", 0x1000, 1), mod("/lib/a.so", 0x9000, 1)})

	d := r.Update([]Module{mod("/lib/a.so", 0x9000, 1)})
	if len(d.Removed) != 1 || d.Removed[0].Base != 0x1000 {
		t.Fatalf("removed = %+v, want the 0x1000 load", d.Removed)
	}
	if d.All[0].Instance != 2 {
		t.Errorf("surviving instance = %d, want 2", d.All[0].Instance)
	}

	// A new load reuses the freed ordinal.
	d = r.Update([]Module{mod("/lib/a.so", 0x9000, 1), mod("/lib/a.so", 0x20000, 1)})
	if d.Added[0].Instance != 1 {
		t.Errorf("reload instance = %d, want 1", d.Added[0].Instance)
	}
	if got := len(r.Instances("/lib/a.so")); got != 2 {
		t.Errorf("Instances = %d, want 2", got)
	}
}

func TestRegistryNoChange(t *testing.T) {
	r := NewRegistry()
	set := []Module{mod("/lib/a.so", 0x1000, 1)}
	r.Update(set)
	if d := r.Update(set); d.Changed() {
		t.Errorf("Changed() = true for identical scan")
	}
	if m, ok := r.Lookup(0x1800); !ok || m.Path != "/lib/a.so" {
		t.Errorf("Lookup(0x1800) = %+v, %v", m, ok)
	}
}

func TestModuleString(t *testing.T) {
	m := Module{Path: "/lib/a.so", Base: 0x7000, Instance: 2}
	if got, want := m.String(), "/lib/a.so@0x7000%0x2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if (Module{Path: "[vdso]"}).Hookable() {
		t.Error("[vdso] should not be hookable")
	}
}

type magicReader map[uintptr]bool

func (r magicReader) ReadAt(p []byte, addr uintptr) error {
	if !r[addr] {
		return &procmem.FaultError{Addr: addr, Op: "read"}
	}
	copy(p, "\x7fELF")
	return nil
}

func TestFromMappings(t *testing.T) {
	input := strings.Join([]string{
		"1000-2000 r--p 00000000 08:01 7 /lib/a.so",
		"2000-3000 r-xp 00001000 08:01 7 /lib/a.so",
		"3000-4000 rw-p 00000000 00:00 0",
		"4000-5000 rw-p 00003000 08:01 7 /lib/a.so",
		"5000-6000 r--p 00000000 08:01 9 /lib/data.bin",
		"7000-8000 r--p 00000000 08:01 8 /lib/b.so",
		"9000-a000 rw-p 00000000 00:00 0 [heap]",
	}, "\n")
	maps, err := procmem.ParseMaps(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	mods := FromMappings(maps, magicReader{0x1000: true, 0x7000: true})
	if len(mods) != 2 {
		t.Fatalf("len = %d, want 2 (%+v)", len(mods), mods)
	}
	if mods[0].Path != "/lib/a.so" || mods[0].End != 0x5000 {
		t.Errorf("a.so = %+v, want end 0x5000", mods[0])
	}
	if mods[1].Path != "/lib/b.so" || mods[1].Base != 0x7000 {
		t.Errorf("b.so = %+v", mods[1])
	}
}
