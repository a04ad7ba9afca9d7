// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package elftest builds synthetic shared-object images laid out exactly as
// a loader would map them (virtual address equals file offset). Tests map
// the bytes at any base and parse them with elfimg.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"

	"github.com/mbeema/plthook/pkg/procmem"
)

// HashStyle selects which symbol hash tables are emitted.
type HashStyle int

const (
	HashGNU HashStyle = iota
	HashSysv
	HashBoth
	HashNone
)

const (
	PageSize  = 0x1000
	stubSize  = 16
	gotHeader = 3
)

type importKind int

const (
	importPLT importKind = iota
	importGlobDat
	importAbs
)

type importSpec struct {
	name string
	kind importKind
}

// Builder describes an image.
type Builder struct {
	Machine elf.Machine
	Hash    HashStyle
	// Rel emits implicit-addend REL tables instead of RELA.
	Rel bool
	// Packed moves the non-PLT relocations into an APS2 packed table.
	Packed bool
	// BadReloc appends a JUMP_SLOT entry whose offset lies outside the image.
	BadReloc bool

	imports []importSpec
	exports []string
}

// New returns a builder for an x86-64 image with a GNU hash table.
func New() *Builder {
	return &Builder{Machine: elf.EM_X86_64, Hash: HashGNU}
}

// Import adds a function import resolved through a PLT jump slot.
func (b *Builder) Import(names ...string) *Builder {
	for _, n := range names {
		b.imports = append(b.imports, importSpec{name: n, kind: importPLT})
	}
	return b
}

// ImportData adds an import resolved through a GLOB_DAT slot, as taken by
// code that loads a function pointer.
func (b *Builder) ImportData(name string) *Builder {
	b.imports = append(b.imports, importSpec{name: name, kind: importGlobDat})
	return b
}

// ImportAbs adds an import resolved through an absolute 64-bit slot.
func (b *Builder) ImportAbs(name string) *Builder {
	b.imports = append(b.imports, importSpec{name: name, kind: importAbs})
	return b
}

// Export adds defined function symbols.
func (b *Builder) Export(names ...string) *Builder {
	b.exports = append(b.exports, names...)
	return b
}

// Image is a built image.
type Image struct {
	Bytes []byte
	// Slots maps an imported symbol to the offsets of its GOT slots.
	Slots map[string][]uint64
	// PLT maps a function import to the offset of its jump slot.
	PLT map[string]uint64
	// Stubs maps a PLT import to the offset of its lazy-binding stub.
	Stubs map[string]uint64
	// Exports maps a defined symbol to its offset.
	Exports map[string]uint64
	RWStart uint64
	Machine elf.Machine
}

// Reader returns a procmem.Reader serving the image mapped at base.
func (img *Image) Reader(base uintptr) procmem.Reader {
	return &flatReader{base: base, b: img.Bytes}
}

type flatReader struct {
	base uintptr
	b    []byte
}

func (r *flatReader) ReadAt(p []byte, addr uintptr) error {
	if addr < r.base || addr+uintptr(len(p)) > r.base+uintptr(len(r.b)) {
		return &procmem.FaultError{Addr: addr, Op: "read"}
	}
	copy(p, r.b[addr-r.base:])
	return nil
}

type relocTypes struct{ jumpSlot, globDat, abs uint32 }

func (b *Builder) types() relocTypes {
	if b.Machine == elf.EM_AARCH64 {
		return relocTypes{uint32(elf.R_AARCH64_JUMP_SLOT), uint32(elf.R_AARCH64_GLOB_DAT), uint32(elf.R_AARCH64_ABS64)}
	}
	return relocTypes{uint32(elf.R_X86_64_JMP_SLOT), uint32(elf.R_X86_64_GLOB_DAT), uint32(elf.R_X86_64_64)}
}

type reloc struct {
	off uint64
	sym uint32
	typ uint32
}

// Build lays the image out: headers, dynsym, dynstr, hash tables,
// relocations and text in a read-execute segment, then the dynamic section,
// the GOT and any packed relocation stream in a read-write segment starting
// on the next page.
func (b *Builder) Build() *Image {
	// Symbol order: null, imports (undefined), exports (defined, sorted by
	// GNU bucket as the GNU table requires).
	nbucket := uint32(len(b.exports))
	if nbucket == 0 {
		nbucket = 1
	}
	exports := append([]string(nil), b.exports...)
	sort.SliceStable(exports, func(i, j int) bool {
		return gnuHash(exports[i])%nbucket < gnuHash(exports[j])%nbucket
	})
	names := []string{""}
	importIdx := make(map[string]uint32)
	for _, im := range b.imports {
		if _, ok := importIdx[im.name]; ok {
			continue
		}
		importIdx[im.name] = uint32(len(names))
		names = append(names, im.name)
	}
	symoffset := uint32(len(names))
	names = append(names, exports...)

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	nameOff := make([]uint32, len(names))
	for i, n := range names {
		if n == "" {
			continue
		}
		nameOff[i] = uint32(strtab.Len())
		strtab.WriteString(n)
		strtab.WriteByte(0)
	}

	const (
		ehdrSize = 64
		phdrSize = 56
		nphdr    = 3
		ndyn     = 16
	)
	relEntry := uint64(24)
	if b.Rel {
		relEntry = 16
	}

	// Relocation records, with slot offsets relative to the GOT's first
	// import slot; rebased once the read-write segment is placed.
	t := b.types()
	var pltRels, dynRels []reloc
	for i, im := range b.imports {
		r := reloc{off: uint64(i) * 8, sym: importIdx[im.name]}
		switch im.kind {
		case importPLT:
			r.typ = t.jumpSlot
			pltRels = append(pltRels, r)
		case importGlobDat:
			r.typ = t.globDat
			dynRels = append(dynRels, r)
		case importAbs:
			r.typ = t.abs
			dynRels = append(dynRels, r)
		}
	}

	off := align(ehdrSize+nphdr*phdrSize, 8)
	symtabOff := off
	off += uint64(len(names)) * 24
	strtabOff := off
	off = align(off+uint64(strtab.Len()), 8)

	var gnuOff, sysvOff uint64
	var gnuTable, sysvTable []byte
	if b.Hash == HashGNU || b.Hash == HashBoth {
		gnuTable = buildGNUHash(names, symoffset, nbucket)
		gnuOff = off
		off = align(off+uint64(len(gnuTable)), 8)
	}
	if b.Hash == HashSysv || b.Hash == HashBoth {
		sysvTable = buildSysvHash(names)
		sysvOff = off
		off = align(off+uint64(len(sysvTable)), 8)
	}

	npltRel := len(pltRels)
	if b.BadReloc && len(b.imports) > 0 {
		npltRel++
	}
	pltRelOff := off
	off += uint64(npltRel) * relEntry
	dynRelOff := off
	if !b.Packed {
		off += uint64(len(dynRels)) * relEntry
	}

	img := &Image{
		Slots:   make(map[string][]uint64),
		PLT:     make(map[string]uint64),
		Stubs:   make(map[string]uint64),
		Exports: make(map[string]uint64),
		Machine: b.Machine,
	}
	off = align(off, 16)
	for _, e := range exports {
		img.Exports[e] = off
		off += stubSize
	}
	for _, im := range b.imports {
		if _, ok := img.Stubs[im.name]; im.kind == importPLT && !ok {
			img.Stubs[im.name] = off
			off += stubSize
		}
	}
	rxEnd := off

	rwStart := align(rxEnd, PageSize)
	img.RWStart = rwStart
	dynOff := rwStart
	slotBase := dynOff + ndyn*16 + gotHeader*8
	for i, im := range b.imports {
		slot := slotBase + uint64(i)*8
		img.Slots[im.name] = append(img.Slots[im.name], slot)
		if _, ok := img.PLT[im.name]; im.kind == importPLT && !ok {
			img.PLT[im.name] = slot
		}
	}
	for i := range pltRels {
		pltRels[i].off += slotBase
	}
	for i := range dynRels {
		dynRels[i].off += slotBase
	}
	if b.BadReloc && len(b.imports) > 0 {
		pltRels = append(pltRels, reloc{off: 0x7ffffff0, sym: importIdx[b.imports[0].name], typ: t.jumpSlot})
	}
	packedOff := slotBase + uint64(len(b.imports))*8
	var packed []byte
	if b.Packed && len(dynRels) > 0 {
		packed = encodePacked(dynRels)
	}
	end := align(packedOff+uint64(len(packed)), PageSize)
	img.Bytes = make([]byte, end)
	buf := img.Bytes

	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(b.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     nphdr,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	put(buf, 0, &hdr)

	put(buf, ehdrSize, []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X), Filesz: rxEnd, Memsz: rxEnd, Align: PageSize},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Off: rwStart, Vaddr: rwStart, Filesz: end - rwStart, Memsz: end - rwStart, Align: PageSize},
		{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W), Off: dynOff, Vaddr: dynOff, Filesz: ndyn * 16, Memsz: ndyn * 16, Align: 8},
	})

	for i := range names {
		sym := elf.Sym64{Name: nameOff[i]}
		if i > 0 {
			sym.Info = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)
		}
		if i >= int(symoffset) {
			sym.Shndx = 1
			sym.Value = img.Exports[names[i]]
			sym.Size = stubSize
		}
		put(buf, symtabOff+uint64(i)*24, &sym)
	}
	copy(buf[strtabOff:], strtab.Bytes())
	if gnuTable != nil {
		copy(buf[gnuOff:], gnuTable)
	}
	if sysvTable != nil {
		copy(buf[sysvOff:], sysvTable)
	}

	writeRels := func(at uint64, rels []reloc) {
		for i, r := range rels {
			info := elf.R_INFO(r.sym, r.typ)
			if b.Rel {
				put(buf, at+uint64(i)*16, &elf.Rel64{Off: r.off, Info: info})
			} else {
				put(buf, at+uint64(i)*24, &elf.Rela64{Off: r.off, Info: info})
			}
		}
	}
	writeRels(pltRelOff, pltRels)
	if packed != nil {
		copy(buf[packedOff:], packed)
	} else {
		writeRels(dynRelOff, dynRels)
	}

	for _, o := range img.Exports {
		for i := uint64(0); i < stubSize; i++ {
			buf[o+i] = 0xcc
		}
	}

	var dyn []elf.Dyn64
	add := func(tag elf.DynTag, v uint64) { dyn = append(dyn, elf.Dyn64{Tag: int64(tag), Val: v}) }
	add(elf.DT_SYMTAB, symtabOff)
	add(elf.DT_STRTAB, strtabOff)
	add(elf.DT_STRSZ, uint64(strtab.Len()))
	add(elf.DT_SYMENT, 24)
	if gnuTable != nil {
		add(elf.DT_GNU_HASH, gnuOff)
	}
	if sysvTable != nil {
		add(elf.DT_HASH, sysvOff)
	}
	if len(pltRels) > 0 {
		add(elf.DT_JMPREL, pltRelOff)
		add(elf.DT_PLTRELSZ, uint64(len(pltRels))*relEntry)
		if b.Rel {
			add(elf.DT_PLTREL, uint64(elf.DT_REL))
		} else {
			add(elf.DT_PLTREL, uint64(elf.DT_RELA))
		}
	}
	switch {
	case packed != nil && b.Rel:
		add(dtAndroidRel, packedOff)
		add(dtAndroidRelSz, uint64(len(packed)))
	case packed != nil:
		add(dtAndroidRela, packedOff)
		add(dtAndroidRelaSz, uint64(len(packed)))
	case len(dynRels) > 0 && b.Rel:
		add(elf.DT_REL, dynRelOff)
		add(elf.DT_RELSZ, uint64(len(dynRels))*relEntry)
	case len(dynRels) > 0:
		add(elf.DT_RELA, dynRelOff)
		add(elf.DT_RELASZ, uint64(len(dynRels))*relEntry)
	}
	add(elf.DT_NULL, 0)
	put(buf, dynOff, dyn)
	return img
}

const (
	dtAndroidRel    = elf.DynTag(0x6000000f)
	dtAndroidRela   = elf.DynTag(0x60000010)
	dtAndroidRelSz  = elf.DynTag(0x60000011)
	dtAndroidRelaSz = elf.DynTag(0x60000012)
)

func align(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

func gnuHash(s string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

func put(buf []byte, off uint64, v any) {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	copy(buf[off:], w.Bytes())
}

func buildGNUHash(names []string, symoffset, nbucket uint32) []byte {
	const bloomShift = 6
	var bloom uint64
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, len(names)-int(symoffset))
	for i := int(symoffset); i < len(names); i++ {
		h := gnuHash(names[i])
		bloom |= 1<<(h%64) | 1<<((h>>bloomShift)%64)
		b := h % nbucket
		if buckets[b] == 0 {
			buckets[b] = uint32(i)
		}
		v := h &^ 1
		last := i == len(names)-1 || gnuHash(names[i+1])%nbucket != b
		if last {
			v |= 1
		}
		chains[i-int(symoffset)] = v
	}
	var w bytes.Buffer
	binary.Write(&w, binary.LittleEndian, []uint32{nbucket, symoffset, 1, bloomShift})
	binary.Write(&w, binary.LittleEndian, bloom)
	binary.Write(&w, binary.LittleEndian, buckets)
	binary.Write(&w, binary.LittleEndian, chains)
	return w.Bytes()
}

func buildSysvHash(names []string) []byte {
	hash := func(s string) uint32 {
		var h uint32
		for i := 0; i < len(s); i++ {
			h = (h << 4) + uint32(s[i])
			g := h & 0xf0000000
			h ^= g
			h ^= g >> 24
		}
		return h
	}
	n := uint32(len(names))
	nbucket := n/2 + 1
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, n)
	for i := uint32(1); i < n; i++ {
		b := hash(names[i]) % nbucket
		chains[i] = buckets[b]
		buckets[b] = i
	}
	var w bytes.Buffer
	binary.Write(&w, binary.LittleEndian, []uint32{nbucket, n})
	binary.Write(&w, binary.LittleEndian, buckets)
	binary.Write(&w, binary.LittleEndian, chains)
	return w.Bytes()
}

// AppendSleb128 appends v in signed LEB128 form.
func AppendSleb128(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// encodePacked emits an APS2 stream with one ungrouped group.
func encodePacked(rels []reloc) []byte {
	out := []byte("APS2")
	out = AppendSleb128(out, int64(len(rels)))
	out = AppendSleb128(out, 0)
	if len(rels) == 0 {
		return out
	}
	out = AppendSleb128(out, int64(len(rels)))
	out = AppendSleb128(out, 0)
	prev := uint64(0)
	for _, r := range rels {
		out = AppendSleb128(out, int64(r.off-prev))
		prev = r.off
		out = AppendSleb128(out, int64(elf.R_INFO(r.sym, r.typ)))
	}
	return out
}
