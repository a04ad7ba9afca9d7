// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package elfimg

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/mbeema/plthook/internal/elftest"
	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/procmem"
)

const testBase = uintptr(0x10000000)

func open(t *testing.T, img *elftest.Image) *Image {
	t.Helper()
	im, err := Open(img.Reader(testBase), testBase, "/lib/libtest.so", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return im
}

func TestOpenRejectsBadHeader(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b []byte)
	}{
		{"magic", func(b []byte) { b[1] = 'X' }},
		{"class", func(b []byte) { b[elf.EI_CLASS] = byte(elf.ELFCLASS32) }},
		{"endian", func(b []byte) { b[elf.EI_DATA] = byte(elf.ELFDATA2MSB) }},
		{"machine", func(b []byte) { binary.LittleEndian.PutUint16(b[18:], uint16(elf.EM_386)) }},
		{"type", func(b []byte) { binary.LittleEndian.PutUint16(b[16:], uint16(elf.ET_REL)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := elftest.New().Import("malloc").Build()
			tt.mutate(img.Bytes)
			_, err := Open(img.Reader(testBase), testBase, "bad.so", nil)
			if !errors.Is(err, ErrFormat) {
				t.Errorf("Open error = %v, want ErrFormat", err)
			}
		})
	}
}

func TestOpenZeroBase(t *testing.T) {
	img := elftest.New().Build()
	if _, err := Open(img.Reader(0), 0, "zero.so", nil); !errors.Is(err, ErrFormat) {
		t.Errorf("Open error = %v, want ErrFormat", err)
	}
}

func TestOpenNoHash(t *testing.T) {
	b := elftest.New().Import("malloc")
	b.Hash = elftest.HashNone
	img := b.Build()
	if _, err := Open(img.Reader(testBase), testBase, "nohash.so", nil); !errors.Is(err, ErrNoHash) {
		t.Errorf("Open error = %v, want ErrNoHash", err)
	}
}

func TestOpenUnreadable(t *testing.T) {
	img := elftest.New().Build()
	_, err := Open(img.Reader(testBase), testBase+0x100000, "gone.so", nil)
	if _, ok := procmem.AsFault(err); !ok {
		t.Errorf("Open error = %v, want fault", err)
	}
}

func TestImageGeometry(t *testing.T) {
	img := elftest.New().Import("malloc").Export("foo").Build()
	im := open(t, img)

	if im.Bias != testBase {
		t.Errorf("Bias = 0x%x, want 0x%x", im.Bias, testBase)
	}
	if im.Machine != elf.EM_X86_64 {
		t.Errorf("Machine = %v, want EM_X86_64", im.Machine)
	}
	segs := im.Segments()
	if len(segs) != 2 {
		t.Fatalf("Segments = %d, want 2", len(segs))
	}
	if segs[0].Flags&elf.PF_X == 0 || segs[1].Flags&elf.PF_W == 0 {
		t.Errorf("segment flags = %v, %v", segs[0].Flags, segs[1].Flags)
	}
	if !im.Contains(testBase) || im.Contains(testBase+uintptr(len(img.Bytes))) {
		t.Error("Contains disagrees with image bounds")
	}
}

func TestSlotsPerHashStyle(t *testing.T) {
	for _, style := range []elftest.HashStyle{elftest.HashGNU, elftest.HashSysv, elftest.HashBoth} {
		b := elftest.New().Import("malloc", "free").ImportData("free").Export("foo", "bar", "baz")
		b.Hash = style
		img := b.Build()
		im := open(t, img)

		slots, err := im.Slots("free")
		if err != nil {
			t.Fatalf("style %d: Slots: %v", style, err)
		}
		if len(slots) != 2 {
			t.Fatalf("style %d: Slots = %d, want 2", style, len(slots))
		}
		want := img.Slots["free"]
		for i, s := range slots {
			if s.Addr != testBase+uintptr(want[i]) {
				t.Errorf("style %d: slot %d = 0x%x, want 0x%x", style, i, s.Addr, testBase+uintptr(want[i]))
			}
		}
		if slots[0].Kind != JumpSlot || slots[0].Section != ".rela.plt" {
			t.Errorf("style %d: slot 0 = %v in %s", style, slots[0].Kind, slots[0].Section)
		}
		if slots[1].Kind != GlobDat || slots[1].Section != ".rela.dyn" {
			t.Errorf("style %d: slot 1 = %v in %s", style, slots[1].Kind, slots[1].Section)
		}

		if slots, _ := im.Slots("missing"); len(slots) != 0 {
			t.Errorf("style %d: Slots(missing) = %v, want none", style, slots)
		}
	}
}

func TestLookupExport(t *testing.T) {
	for _, style := range []elftest.HashStyle{elftest.HashGNU, elftest.HashSysv} {
		b := elftest.New().Import("malloc").Export("alpha", "beta", "gamma", "delta")
		b.Hash = style
		img := b.Build()
		im := open(t, img)

		for _, name := range []string{"alpha", "beta", "gamma", "delta"} {
			addr, ok, err := im.LookupExport(name)
			if err != nil || !ok {
				t.Fatalf("style %d: LookupExport(%s) = %v, %v", style, name, ok, err)
			}
			if want := testBase + uintptr(img.Exports[name]); addr != want {
				t.Errorf("style %d: LookupExport(%s) = 0x%x, want 0x%x", style, name, addr, want)
			}
		}
		if _, ok, err := im.LookupExport("malloc"); ok || err != nil {
			t.Errorf("style %d: LookupExport(malloc) = %v, %v, want undefined", style, ok, err)
		}
		if _, ok, _ := im.LookupExport("epsilon"); ok {
			t.Errorf("style %d: LookupExport(epsilon) found", style)
		}
	}
}

func TestImports(t *testing.T) {
	img := elftest.New().Import("malloc", "free").ImportData("qsort").ImportAbs("atexit").Build()
	im := open(t, img)

	imports, err := im.Imports()
	if err != nil {
		t.Fatalf("Imports: %v", err)
	}
	got := make(map[string]SlotKind)
	for _, i := range imports {
		got[i.Name] = i.Kind
		if want := testBase + uintptr(img.Slots[i.Name][0]); i.Addr != want {
			t.Errorf("%s slot = 0x%x, want 0x%x", i.Name, i.Addr, want)
		}
	}
	want := map[string]SlotKind{"malloc": JumpSlot, "free": JumpSlot, "qsort": GlobDat, "atexit": Abs}
	for name, kind := range want {
		if got[name] != kind {
			t.Errorf("%s kind = %v, want %v", name, got[name], kind)
		}
	}
}

func TestMalformedRelocationSkipped(t *testing.T) {
	b := elftest.New().Import("malloc")
	b.BadReloc = true
	im := open(t, b.Build())

	slots, err := im.Slots("malloc")
	if err != nil {
		t.Fatalf("Slots: %v", err)
	}
	if len(slots) != 1 {
		t.Errorf("Slots = %d, want 1", len(slots))
	}
}

func TestRelTables(t *testing.T) {
	b := elftest.New().Import("malloc").ImportData("malloc")
	b.Rel = true
	im := open(t, b.Build())

	slots, err := im.Slots("malloc")
	if err != nil {
		t.Fatalf("Slots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("Slots = %d, want 2", len(slots))
	}
	if slots[0].Section != ".rel.plt" || slots[1].Section != ".rel.dyn" {
		t.Errorf("sections = %s, %s", slots[0].Section, slots[1].Section)
	}
}

func TestPackedRelocations(t *testing.T) {
	b := elftest.New().Import("open").ImportData("close").ImportAbs("read")
	b.Packed = true
	b.Machine = elf.EM_AARCH64
	img := b.Build()
	im := open(t, img)

	for _, name := range []string{"close", "read"} {
		slots, err := im.Slots(name)
		if err != nil {
			t.Fatalf("Slots(%s): %v", name, err)
		}
		if len(slots) != 1 {
			t.Fatalf("Slots(%s) = %d, want 1", name, len(slots))
		}
		if slots[0].Section != ".rela.android" {
			t.Errorf("%s section = %s, want .rela.android", name, slots[0].Section)
		}
		if want := testBase + uintptr(img.Slots[name][0]); slots[0].Addr != want {
			t.Errorf("%s slot = 0x%x, want 0x%x", name, slots[0].Addr, want)
		}
	}
}

func TestAbsoluteDynamicPointers(t *testing.T) {
	img := elftest.New().Import("malloc").Export("foo").Build()
	// The first dynamic entry is DT_SYMTAB; rewrite it as a loader that
	// relocates the dynamic section in place would.
	at := img.RWStart + 8
	v := binary.LittleEndian.Uint64(img.Bytes[at:])
	binary.LittleEndian.PutUint64(img.Bytes[at:], v+uint64(testBase))

	im := open(t, img)
	if _, ok, err := im.LookupExport("foo"); !ok || err != nil {
		t.Errorf("LookupExport(foo) = %v, %v", ok, err)
	}
}

func TestDynamicPointerOutsideImage(t *testing.T) {
	img := elftest.New().Import("malloc").Build()
	binary.LittleEndian.PutUint64(img.Bytes[img.RWStart+8:], 0x7fff0000)
	if _, err := Open(img.Reader(testBase), testBase, "bad.so", nil); !errors.Is(err, ErrFormat) {
		t.Errorf("Open error = %v, want ErrFormat", err)
	}
}

func TestDecodePackedGroups(t *testing.T) {
	var buf []byte
	put := func(v int64) { buf = elftest.AppendSleb128(buf, v) }
	info := int64(elf.R_INFO(3, uint32(elf.R_AARCH64_GLOB_DAT)))

	put(5)      // count
	put(0x1000) // initial offset
	// Group 1: three entries sharing info and an 8-byte stride, addend 16.
	put(3)
	put(groupedByInfo | groupedByOffsetDelta | groupedByAddend | groupHasAddend)
	put(8)
	put(info)
	put(16)
	// Group 2: two entries with per-entry offset, info and addend deltas.
	put(2)
	put(groupHasAddend)
	put(0x100)
	put(info)
	put(-16)
	put(8)
	put(info + 1)
	put(4)

	var got []Reloc
	if err := decodePacked(buf, true, func(r Reloc) bool {
		got = append(got, r)
		return true
	}); err != nil {
		t.Fatalf("decodePacked: %v", err)
	}
	want := []Reloc{
		{Offset: 0x1008, Info: uint64(info), Addend: 16},
		{Offset: 0x1010, Info: uint64(info), Addend: 16},
		{Offset: 0x1018, Info: uint64(info), Addend: 16},
		{Offset: 0x1118, Info: uint64(info), Addend: 0},
		{Offset: 0x1120, Info: uint64(info + 1), Addend: 4},
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d relocations, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reloc %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDecodePackedTruncated(t *testing.T) {
	buf := elftest.AppendSleb128(nil, 4)
	buf = elftest.AppendSleb128(buf, 0)
	buf = elftest.AppendSleb128(buf, 4)
	n := 0
	err := decodePacked(buf, true, func(Reloc) bool { n++; return true })
	if !errors.Is(err, ErrFormat) {
		t.Errorf("decodePacked error = %v, want ErrFormat", err)
	}
	if n != 0 {
		t.Errorf("delivered %d relocations from truncated stream", n)
	}
}

func TestDecodePackedAddendInRel(t *testing.T) {
	var buf []byte
	for _, v := range []int64{1, 0, 1, groupedByAddend | groupHasAddend, 8} {
		buf = elftest.AppendSleb128(buf, v)
	}
	if err := decodePacked(buf, false, func(Reloc) bool { return true }); !errors.Is(err, ErrFormat) {
		t.Errorf("decodePacked error = %v, want ErrFormat", err)
	}
}

func TestHashFunctions(t *testing.T) {
	if got := GNUHash(""); got != 5381 {
		t.Errorf("GNUHash(\"\") = %d, want 5381", got)
	}
	if got := GNUHash("printf"); got != 0x156b2bb8 {
		t.Errorf("GNUHash(printf) = 0x%x, want 0x156b2bb8", got)
	}
	if got := SysvHash("printf"); got != 0x077905a6 {
		t.Errorf("SysvHash(printf) = 0x%x, want 0x077905a6", got)
	}
}

type countingReader struct {
	procmem.Reader
	reads atomic.Int64
}

func (c *countingReader) ReadAt(p []byte, addr uintptr) error {
	c.reads.Add(1)
	return c.Reader.ReadAt(p, addr)
}

func TestCache(t *testing.T) {
	img := elftest.New().Import("malloc").Build()
	r := &countingReader{Reader: img.Reader(testBase)}
	c, err := NewCache(r, 4, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	m := modules.Module{Path: "/lib/libtest.so", Base: testBase, End: testBase + uintptr(len(img.Bytes))}

	a, err := c.Get(m)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	reads := r.reads.Load()
	b, _ := c.Get(m)
	if a != b {
		t.Error("second Get returned a different image")
	}
	if r.reads.Load() != reads {
		t.Errorf("second Get read memory")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	c.Purge(m)
	if c.Len() != 0 {
		t.Errorf("Len after Purge = %d, want 0", c.Len())
	}
	if d, _ := c.Get(m); d == a {
		t.Error("Get after Purge returned the stale image")
	}
}

func TestCacheRemembersFailure(t *testing.T) {
	img := elftest.New().Build()
	img.Bytes[0] = 0
	r := &countingReader{Reader: img.Reader(testBase)}
	c, _ := NewCache(r, 4, nil)
	m := modules.Module{Path: "/lib/broken.so", Base: testBase}

	if _, err := c.Get(m); !errors.Is(err, ErrFormat) {
		t.Fatalf("Get error = %v, want ErrFormat", err)
	}
	reads := r.reads.Load()
	if _, err := c.Get(m); !errors.Is(err, ErrFormat) {
		t.Fatalf("second Get error = %v, want ErrFormat", err)
	}
	if r.reads.Load() != reads {
		t.Error("failed parse was retried")
	}
}
