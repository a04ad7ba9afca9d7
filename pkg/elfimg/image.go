// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package elfimg parses ELF images as they are mapped in process memory:
// program headers, the dynamic section, symbol hash tables and relocation
// tables (REL, RELA and Android packed). It locates the GOT slots through
// which a module imports a symbol.
package elfimg

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mbeema/plthook/pkg/procmem"
)

var (
	// ErrFormat reports malformed or unsupported image metadata.
	ErrFormat = errors.New("malformed ELF image")
	// ErrNoHash reports an image without DT_HASH and DT_GNU_HASH.
	ErrNoHash = errors.New("no symbol hash table")
)

// Android dynamic tags for packed relocations.
const (
	dtAndroidRel     = elf.DynTag(0x6000000f)
	dtAndroidRela    = elf.DynTag(0x60000010)
	dtAndroidRelSz   = elf.DynTag(0x60000011)
	dtAndroidRelaSz  = elf.DynTag(0x60000012)
	packedMagic      = "APS2"
	maxTableSize     = 64 << 20
	maxSymbolNameLen = 1024
	dynEntrySize     = 16
	symEntrySize     = 24
)

// Segment is one PT_LOAD segment at its runtime address.
type Segment struct {
	Start uintptr
	End   uintptr
	Flags elf.ProgFlag
}

type table struct {
	addr uintptr
	size uintptr
	rela bool
}

// Image is a parsed in-memory ELF image. It holds addresses into process
// memory and reads through its Reader on demand.
type Image struct {
	Path    string
	Base    uintptr
	Bias    uintptr
	Machine elf.Machine

	r      procmem.Reader
	logger *zap.Logger
	loads  []Segment

	symtab uintptr
	strtab uintptr
	strsz  uint64
	gnu    *gnuHash
	sysv   *sysvHash

	plt    table
	dyn    table
	packed table
}

// Open parses the image mapped at base.
func Open(r procmem.Reader, base uintptr, path string, logger *zap.Logger) (*Image, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if base == 0 {
		return nil, fmt.Errorf("%s: %w: zero base", path, ErrFormat)
	}

	var hdr elf.Header64
	if err := readStruct(r, base, &hdr); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	if err := checkHeader(&hdr); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	im := &Image{
		Path:    path,
		Base:    base,
		Machine: elf.Machine(hdr.Machine),
		r:       r,
		logger:  logger.With(zap.String("module", path)),
	}

	phdrs := make([]elf.Prog64, hdr.Phnum)
	if err := readStruct(r, base+uintptr(hdr.Phoff), phdrs); err != nil {
		return nil, fmt.Errorf("%s: read program headers: %w", path, err)
	}

	var first, dynamic *elf.Prog64
	for i := range phdrs {
		ph := &phdrs[i]
		switch elf.ProgType(ph.Type) {
		case elf.PT_LOAD:
			if first == nil && ph.Off == 0 {
				first = ph
			}
		case elf.PT_DYNAMIC:
			dynamic = ph
		}
	}
	if first == nil {
		return nil, fmt.Errorf("%s: %w: no PT_LOAD at offset 0", path, ErrFormat)
	}
	if uint64(base) < first.Vaddr {
		return nil, fmt.Errorf("%s: %w: base below first segment", path, ErrFormat)
	}
	im.Bias = base - uintptr(first.Vaddr)
	for i := range phdrs {
		ph := &phdrs[i]
		if elf.ProgType(ph.Type) == elf.PT_LOAD {
			im.loads = append(im.loads, Segment{
				Start: im.Bias + uintptr(ph.Vaddr),
				End:   im.Bias + uintptr(ph.Vaddr+ph.Memsz),
				Flags: elf.ProgFlag(ph.Flags),
			})
		}
	}
	if dynamic == nil {
		return nil, fmt.Errorf("%s: %w: no PT_DYNAMIC", path, ErrFormat)
	}

	if err := im.parseDynamic(im.Bias+uintptr(dynamic.Vaddr), uintptr(dynamic.Memsz)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return im, nil
}

func checkHeader(hdr *elf.Header64) error {
	switch {
	case !bytes.Equal(hdr.Ident[:4], []byte(elf.ELFMAG)):
		return fmt.Errorf("%w: bad magic", ErrFormat)
	case elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64:
		return fmt.Errorf("%w: not ELFCLASS64", ErrFormat)
	case elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB:
		return fmt.Errorf("%w: not little endian", ErrFormat)
	case elf.Version(hdr.Ident[elf.EI_VERSION]) != elf.EV_CURRENT:
		return fmt.Errorf("%w: bad version", ErrFormat)
	}
	switch elf.Type(hdr.Type) {
	case elf.ET_DYN, elf.ET_EXEC:
	default:
		return fmt.Errorf("%w: type %s", ErrFormat, elf.Type(hdr.Type))
	}
	switch elf.Machine(hdr.Machine) {
	case elf.EM_X86_64, elf.EM_AARCH64:
	default:
		return fmt.Errorf("%w: machine %s", ErrFormat, elf.Machine(hdr.Machine))
	}
	if hdr.Phentsize != 56 || hdr.Phnum == 0 {
		return fmt.Errorf("%w: program header table", ErrFormat)
	}
	return nil
}

func (im *Image) parseDynamic(addr, size uintptr) error {
	if size == 0 || size > maxTableSize {
		return fmt.Errorf("%w: dynamic size %d", ErrFormat, size)
	}
	dyns := make([]elf.Dyn64, size/dynEntrySize)
	if err := readStruct(im.r, addr, dyns); err != nil {
		return fmt.Errorf("read dynamic: %w", err)
	}

	var (
		hashAddr, gnuHashAddr uintptr
		relaDyn, relDyn       table
		pltRel                elf.DynTag
		androidRela           bool
	)
	for _, d := range dyns {
		tag := elf.DynTag(d.Tag)
		if tag == elf.DT_NULL {
			break
		}
		switch tag {
		case elf.DT_SYMTAB:
			im.symtab = im.ptr(d.Val)
		case elf.DT_STRTAB:
			im.strtab = im.ptr(d.Val)
		case elf.DT_STRSZ:
			im.strsz = d.Val
		case elf.DT_HASH:
			hashAddr = im.ptr(d.Val)
		case elf.DT_GNU_HASH:
			gnuHashAddr = im.ptr(d.Val)
		case elf.DT_JMPREL:
			im.plt.addr = im.ptr(d.Val)
		case elf.DT_PLTRELSZ:
			im.plt.size = uintptr(d.Val)
		case elf.DT_PLTREL:
			pltRel = elf.DynTag(d.Val)
		case elf.DT_RELA:
			relaDyn.addr = im.ptr(d.Val)
		case elf.DT_RELASZ:
			relaDyn.size = uintptr(d.Val)
		case elf.DT_REL:
			relDyn.addr = im.ptr(d.Val)
		case elf.DT_RELSZ:
			relDyn.size = uintptr(d.Val)
		case dtAndroidRela:
			im.packed.addr = im.ptr(d.Val)
			androidRela = true
		case dtAndroidRel:
			im.packed.addr = im.ptr(d.Val)
		case dtAndroidRelaSz, dtAndroidRelSz:
			im.packed.size = uintptr(d.Val)
		}
	}

	if im.symtab == 0 || im.strtab == 0 {
		return fmt.Errorf("%w: missing DT_SYMTAB or DT_STRTAB", ErrFormat)
	}
	for _, p := range []uintptr{im.symtab, im.strtab, im.plt.addr, relaDyn.addr, relDyn.addr, im.packed.addr, hashAddr, gnuHashAddr} {
		if p != 0 && !im.Contains(p) {
			return fmt.Errorf("%w: dynamic pointer 0x%x outside image", ErrFormat, p)
		}
	}

	im.plt.rela = pltRel == elf.DT_RELA
	if relaDyn.addr != 0 {
		im.dyn = relaDyn
		im.dyn.rela = true
	} else {
		im.dyn = relDyn
	}
	im.packed.rela = androidRela
	if err := im.checkPacked(); err != nil {
		im.logger.Warn("ignoring packed relocations", zap.Error(err))
		im.packed = table{}
	}

	if gnuHashAddr != 0 {
		h, err := readGNUHash(im.r, gnuHashAddr)
		if err != nil {
			return err
		}
		im.gnu = h
	}
	if hashAddr != 0 {
		h, err := readSysvHash(im.r, hashAddr)
		if err != nil {
			return err
		}
		im.sysv = h
	}
	if im.gnu == nil && im.sysv == nil {
		return ErrNoHash
	}
	return nil
}

// ptr converts a dynamic-section address to a runtime address. Some loaders
// relocate these entries in place, so values already inside the image are
// taken as absolute.
func (im *Image) ptr(v uint64) uintptr {
	p := uintptr(v)
	if im.Bias != 0 && p >= im.Base {
		return p
	}
	return im.Bias + p
}

func (im *Image) checkPacked() error {
	if im.packed.addr == 0 {
		return nil
	}
	if im.packed.size < uintptr(len(packedMagic)) {
		return fmt.Errorf("%w: packed table too small", ErrFormat)
	}
	var magic [4]byte
	if err := im.r.ReadAt(magic[:], im.packed.addr); err != nil {
		return err
	}
	if string(magic[:]) != packedMagic {
		return fmt.Errorf("%w: packed magic %q", ErrFormat, magic[:])
	}
	im.packed.addr += uintptr(len(packedMagic))
	im.packed.size -= uintptr(len(packedMagic))
	return nil
}

// Contains reports whether addr lies in one of the image's PT_LOAD segments.
func (im *Image) Contains(addr uintptr) bool {
	for _, s := range im.loads {
		if addr >= s.Start && addr < s.End {
			return true
		}
	}
	return false
}

// Segments returns the image's PT_LOAD segments.
func (im *Image) Segments() []Segment {
	return append([]Segment(nil), im.loads...)
}

// HashStyle names the symbol hash tables present.
func (im *Image) HashStyle() string {
	switch {
	case im.gnu != nil && im.sysv != nil:
		return "both"
	case im.gnu != nil:
		return "gnu"
	default:
		return "sysv"
	}
}

func readStruct(r procmem.Reader, addr uintptr, data any) error {
	buf := make([]byte, binary.Size(data))
	if err := r.ReadAt(buf, addr); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, data)
}
