// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package elfimg

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reloc is one decoded relocation entry.
type Reloc struct {
	Offset uint64
	Info   uint64
	Addend int64
}

// Sym returns the symbol index.
func (r Reloc) Sym() uint32 { return elf.R_SYM64(r.Info) }

// Type returns the machine-specific relocation type.
func (r Reloc) Type() uint32 { return elf.R_TYPE64(r.Info) }

// SlotKind classifies a GOT slot by the relocation that fills it.
type SlotKind int

const (
	JumpSlot SlotKind = iota + 1
	GlobDat
	Abs
)

func (k SlotKind) String() string {
	switch k {
	case JumpSlot:
		return "JUMP_SLOT"
	case GlobDat:
		return "GLOB_DAT"
	case Abs:
		return "ABS64"
	default:
		return "UNKNOWN"
	}
}

// Slot is a pointer-sized GOT entry that holds the address of a symbol.
type Slot struct {
	Addr    uintptr
	Kind    SlotKind
	Section string
	Sym     uint32
}

// Import is a slot together with the name of the symbol it references.
type Import struct {
	Name string
	Slot
}

type relocTypes struct {
	jumpSlot uint32
	globDat  uint32
	abs      uint32
}

func typesFor(m elf.Machine) relocTypes {
	if m == elf.EM_AARCH64 {
		return relocTypes{
			jumpSlot: uint32(elf.R_AARCH64_JUMP_SLOT),
			globDat:  uint32(elf.R_AARCH64_GLOB_DAT),
			abs:      uint32(elf.R_AARCH64_ABS64),
		}
	}
	return relocTypes{
		jumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
		globDat:  uint32(elf.R_X86_64_GLOB_DAT),
		abs:      uint32(elf.R_X86_64_64),
	}
}

// classify returns the slot kind of r. PLT tables hold only jump slots;
// the other tables contribute GLOB_DAT and addend-free absolute entries.
func (im *Image) classify(plt bool, r Reloc) (SlotKind, bool) {
	t := typesFor(im.Machine)
	switch typ := r.Type(); {
	case plt && typ == t.jumpSlot:
		return JumpSlot, true
	case !plt && typ == t.globDat:
		return GlobDat, true
	case !plt && typ == t.abs && r.Addend == 0:
		return Abs, true
	}
	return 0, false
}

type namedTable struct {
	name   string
	plt    bool
	packed bool
	table
}

func (im *Image) tables() []namedTable {
	suffix := func(t table, base string) string {
		if t.rela {
			return ".rela." + base
		}
		return ".rel." + base
	}
	return []namedTable{
		{name: suffix(im.plt, "plt"), plt: true, table: im.plt},
		{name: suffix(im.dyn, "dyn"), table: im.dyn},
		{name: suffix(im.packed, "android"), packed: true, table: im.packed},
	}
}

// walk decodes every relocation table and calls fn per entry until fn
// returns false. A table that cannot be read or decoded is reported in the
// returned error and the walk continues with the next table.
func (im *Image) walk(fn func(t *namedTable, r Reloc) bool) error {
	var errs error
	for _, t := range im.tables() {
		if t.addr == 0 || t.size == 0 {
			continue
		}
		t := t
		stop, err := im.walkTable(&t, fn)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
		if stop {
			break
		}
	}
	return errs
}

func (im *Image) walkTable(t *namedTable, fn func(t *namedTable, r Reloc) bool) (bool, error) {
	if t.size > maxTableSize {
		return false, fmt.Errorf("%w: table size %d", ErrFormat, t.size)
	}
	buf := make([]byte, t.size)
	if err := im.r.ReadAt(buf, t.addr); err != nil {
		return false, err
	}

	stopped := false
	visit := func(r Reloc) bool {
		if !fn(t, r) {
			stopped = true
			return false
		}
		return true
	}

	if t.packed {
		err := decodePacked(buf, t.rela, visit)
		return stopped, err
	}

	if t.rela {
		entries := make([]elf.Rela64, len(buf)/int(unsafe.Sizeof(elf.Rela64{})))
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, entries); err != nil {
			return false, err
		}
		for _, e := range entries {
			if !visit(Reloc{Offset: e.Off, Info: e.Info, Addend: e.Addend}) {
				break
			}
		}
		return stopped, nil
	}

	entries := make([]elf.Rel64, len(buf)/int(unsafe.Sizeof(elf.Rel64{})))
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, entries); err != nil {
		return false, err
	}
	for _, e := range entries {
		if !visit(Reloc{Offset: e.Off, Info: e.Info}) {
			break
		}
	}
	return stopped, nil
}

// slotAt validates the target of r and builds the slot. Entries pointing
// outside the image or at unaligned addresses are skipped.
func (im *Image) slotAt(t *namedTable, r Reloc, kind SlotKind) (Slot, bool) {
	addr := im.Bias + uintptr(r.Offset)
	if !im.Contains(addr) || addr%8 != 0 {
		im.logger.Warn("skipping malformed relocation",
			zap.String("section", t.name),
			zap.String("offset", fmt.Sprintf("0x%x", r.Offset)),
		)
		return Slot{}, false
	}
	return Slot{Addr: addr, Kind: kind, Section: t.name, Sym: r.Sym()}, true
}

// Slots returns every GOT slot through which the image imports name. A
// partial result is returned alongside an error when some table could not be
// decoded.
func (im *Image) Slots(name string) ([]Slot, error) {
	idx, ok, err := im.SymbolIndex(name)
	if err != nil {
		return nil, err
	}
	if !ok || idx == 0 {
		return nil, nil
	}

	var out []Slot
	err = im.walk(func(t *namedTable, r Reloc) bool {
		if r.Sym() != idx {
			return true
		}
		kind, ok := im.classify(t.plt, r)
		if !ok {
			return true
		}
		if s, ok := im.slotAt(t, r, kind); ok {
			im.logger.Debug("found slot",
				zap.String("symbol", name),
				zap.String("section", t.name),
				zap.String("addr", fmt.Sprintf("0x%x", s.Addr)),
			)
			out = append(out, s)
		}
		return true
	})
	return out, err
}

// Imports lists every symbol-referencing GOT slot of the image.
func (im *Image) Imports() ([]Import, error) {
	names := make(map[uint32]string)
	var out []Import
	var nameErrs error
	err := im.walk(func(t *namedTable, r Reloc) bool {
		if r.Sym() == 0 {
			return true
		}
		kind, ok := im.classify(t.plt, r)
		if !ok {
			return true
		}
		s, ok := im.slotAt(t, r, kind)
		if !ok {
			return true
		}
		name, seen := names[s.Sym]
		if !seen {
			_, n, err := im.symbol(s.Sym)
			if err != nil {
				nameErrs = multierr.Append(nameErrs, err)
				return true
			}
			names[s.Sym] = n
			name = n
		}
		out = append(out, Import{Name: name, Slot: s})
		return true
	})
	return out, multierr.Append(err, nameErrs)
}
