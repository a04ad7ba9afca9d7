// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package elfimg

import (
	"debug/elf"
	"fmt"

	"github.com/mbeema/plthook/pkg/procmem"
)

// SysvHash is the DT_HASH function.
func SysvHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		h ^= g
		h ^= g >> 24
	}
	return h
}

// GNUHash is the DT_GNU_HASH function.
func GNUHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

const maxChainWalk = 1 << 20

type sysvHash struct {
	nbucket uint32
	nchain  uint32
	buckets uintptr
	chains  uintptr
}

func readSysvHash(r procmem.Reader, addr uintptr) (*sysvHash, error) {
	var hdr [2]uint32
	if err := readStruct(r, addr, &hdr); err != nil {
		return nil, fmt.Errorf("read DT_HASH: %w", err)
	}
	if hdr[0] == 0 {
		return nil, fmt.Errorf("%w: empty DT_HASH", ErrFormat)
	}
	h := &sysvHash{nbucket: hdr[0], nchain: hdr[1], buckets: addr + 8}
	h.chains = h.buckets + 4*uintptr(h.nbucket)
	return h, nil
}

type gnuHash struct {
	nbucket    uint32
	symoffset  uint32
	bloomSize  uint32
	bloomShift uint32
	bloom      uintptr
	buckets    uintptr
	chains     uintptr
}

func readGNUHash(r procmem.Reader, addr uintptr) (*gnuHash, error) {
	var hdr [4]uint32
	if err := readStruct(r, addr, &hdr); err != nil {
		return nil, fmt.Errorf("read DT_GNU_HASH: %w", err)
	}
	if hdr[0] == 0 || hdr[2] == 0 {
		return nil, fmt.Errorf("%w: empty DT_GNU_HASH", ErrFormat)
	}
	h := &gnuHash{
		nbucket:    hdr[0],
		symoffset:  hdr[1],
		bloomSize:  hdr[2],
		bloomShift: hdr[3],
		bloom:      addr + 16,
	}
	h.buckets = h.bloom + 8*uintptr(h.bloomSize)
	h.chains = h.buckets + 4*uintptr(h.nbucket)
	return h, nil
}

// symbol reads dynamic symbol idx and its name.
func (im *Image) symbol(idx uint32) (elf.Sym64, string, error) {
	var sym elf.Sym64
	if err := readStruct(im.r, im.symtab+uintptr(idx)*symEntrySize, &sym); err != nil {
		return sym, "", err
	}
	if im.strsz != 0 && uint64(sym.Name) >= im.strsz {
		return sym, "", fmt.Errorf("%w: symbol %d name offset out of range", ErrFormat, idx)
	}
	name, err := procmem.ReadCString(im.r, im.strtab+uintptr(sym.Name), maxSymbolNameLen)
	return sym, name, err
}

func (im *Image) sysvLookup(name string) (uint32, bool, error) {
	h := im.sysv
	hash := SysvHash(name)
	idx, err := procmem.ReadUint32(im.r, h.buckets+4*uintptr(hash%h.nbucket))
	if err != nil {
		return 0, false, err
	}
	// The chain length bounds the walk against cyclic tables.
	for steps := uint32(0); idx != 0 && steps <= h.nchain; steps++ {
		if idx >= h.nchain {
			return 0, false, fmt.Errorf("%w: DT_HASH chain index %d", ErrFormat, idx)
		}
		_, symName, err := im.symbol(idx)
		if err != nil {
			return 0, false, err
		}
		if symName == name {
			return idx, true, nil
		}
		if idx, err = procmem.ReadUint32(im.r, h.chains+4*uintptr(idx)); err != nil {
			return 0, false, err
		}
	}
	return 0, false, nil
}

// gnuLookupDefined searches the hashed (defined) part of the symbol table.
func (im *Image) gnuLookupDefined(name string) (uint32, bool, error) {
	h := im.gnu
	hash := GNUHash(name)

	word, err := procmem.ReadUint64(im.r, h.bloom+8*uintptr((hash/64)%h.bloomSize))
	if err != nil {
		return 0, false, err
	}
	mask := uint64(1)<<(hash%64) | uint64(1)<<((hash>>h.bloomShift)%64)
	if word&mask != mask {
		return 0, false, nil
	}

	idx, err := procmem.ReadUint32(im.r, h.buckets+4*uintptr(hash%h.nbucket))
	if err != nil {
		return 0, false, err
	}
	if idx < h.symoffset {
		return 0, false, nil
	}
	for steps := 0; steps < maxChainWalk; steps++ {
		chainHash, err := procmem.ReadUint32(im.r, h.chains+4*uintptr(idx-h.symoffset))
		if err != nil {
			return 0, false, err
		}
		if hash|1 == chainHash|1 {
			_, symName, err := im.symbol(idx)
			if err != nil {
				return 0, false, err
			}
			if symName == name {
				return idx, true, nil
			}
		}
		if chainHash&1 != 0 {
			return 0, false, nil
		}
		idx++
	}
	return 0, false, fmt.Errorf("%w: unterminated DT_GNU_HASH chain", ErrFormat)
}

// gnuLookupUndefined scans the symbols below symoffset, which the GNU table
// does not index.
func (im *Image) gnuLookupUndefined(name string) (uint32, bool, error) {
	for idx := uint32(1); idx < im.gnu.symoffset; idx++ {
		_, symName, err := im.symbol(idx)
		if err != nil {
			return 0, false, err
		}
		if symName == name {
			return idx, true, nil
		}
	}
	return 0, false, nil
}

// SymbolIndex returns the dynamic symbol table index of name, defined or
// undefined. The GNU table is consulted first and DT_HASH second.
func (im *Image) SymbolIndex(name string) (uint32, bool, error) {
	if im.gnu != nil {
		if idx, ok, err := im.gnuLookupDefined(name); err != nil || ok {
			return idx, ok, err
		}
		if idx, ok, err := im.gnuLookupUndefined(name); err != nil || ok {
			return idx, ok, err
		}
	}
	if im.sysv != nil {
		return im.sysvLookup(name)
	}
	return 0, false, nil
}

// LookupExport returns the runtime address of name if the image defines
// it. Indirect functions are not resolved.
func (im *Image) LookupExport(name string) (uintptr, bool, error) {
	idx, ok, err := im.SymbolIndex(name)
	if err != nil || !ok {
		return 0, false, err
	}
	sym, _, err := im.symbol(idx)
	if err != nil {
		return 0, false, err
	}
	if elf.SectionIndex(sym.Shndx) == elf.SHN_UNDEF || sym.Value == 0 {
		return 0, false, nil
	}
	switch elf.ST_TYPE(sym.Info) {
	case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
	default:
		return 0, false, nil
	}
	return im.Bias + uintptr(sym.Value), true, nil
}
