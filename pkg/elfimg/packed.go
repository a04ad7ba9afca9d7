// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package elfimg

import "fmt"

// Group flags of the Android APS2 packed relocation format.
const (
	groupedByInfo        = 1
	groupedByOffsetDelta = 2
	groupedByAddend      = 4
	groupHasAddend       = 8
)

type sleb128 struct {
	buf []byte
	pos int
}

func (d *sleb128) next() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if d.pos >= len(d.buf) {
			return 0, fmt.Errorf("%w: truncated SLEB128", ErrFormat)
		}
		b := d.buf[d.pos]
		d.pos++
		if shift < 64 {
			v |= uint64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= ^uint64(0) << shift
			}
			return v, nil
		}
	}
}

// decodePacked walks an APS2 stream (magic already stripped) and calls fn
// for each relocation until fn returns false. A decoding error ends the
// stream; entries already delivered stand.
func decodePacked(buf []byte, rela bool, fn func(Reloc) bool) error {
	d := &sleb128{buf: buf}
	count, err := d.next()
	if err != nil {
		return err
	}
	offset, err := d.next()
	if err != nil {
		return err
	}

	var (
		info, groupSize, groupFlags, groupOffsetDelta uint64
		addend                                        int64
	)
	for i, inGroup := uint64(0), uint64(0); i < count; i, inGroup = i+1, inGroup+1 {
		if inGroup == groupSize {
			if groupSize, err = d.next(); err != nil {
				return err
			}
			if groupSize == 0 {
				return fmt.Errorf("%w: empty relocation group", ErrFormat)
			}
			if groupFlags, err = d.next(); err != nil {
				return err
			}
			if groupFlags&groupedByOffsetDelta != 0 {
				if groupOffsetDelta, err = d.next(); err != nil {
					return err
				}
			}
			if groupFlags&groupedByInfo != 0 {
				if info, err = d.next(); err != nil {
					return err
				}
			}
			switch {
			case groupFlags&groupHasAddend != 0 && groupFlags&groupedByAddend != 0:
				if !rela {
					return fmt.Errorf("%w: addend in packed REL stream", ErrFormat)
				}
				v, err := d.next()
				if err != nil {
					return err
				}
				addend += int64(v)
			case groupFlags&groupHasAddend == 0:
				addend = 0
			}
			inGroup = 0
		}

		if groupFlags&groupedByOffsetDelta != 0 {
			offset += groupOffsetDelta
		} else {
			v, err := d.next()
			if err != nil {
				return err
			}
			offset += v
		}
		if groupFlags&groupedByInfo == 0 {
			if info, err = d.next(); err != nil {
				return err
			}
		}
		if rela && groupFlags&groupHasAddend != 0 && groupFlags&groupedByAddend == 0 {
			v, err := d.next()
			if err != nil {
				return err
			}
			addend += int64(v)
		}

		if !fn(Reloc{Offset: offset, Info: info, Addend: addend}) {
			return nil
		}
	}
	return nil
}
