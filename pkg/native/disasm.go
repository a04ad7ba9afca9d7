// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package native provides the machine-code side of hooking: executable
// dispatch trampolines, the cgo entry points they call and the dynamic
// loader proxies used in automatic mode.
package native

import (
	"debug/elf"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrUnsupported is returned where native trampolines are unavailable.
var ErrUnsupported = errors.New("native trampolines need linux, cgo and amd64 or arm64")

// Line is one disassembled instruction.
type Line struct {
	PC    uint64
	Bytes []byte
	Text  string
}

// Disassemble decodes code for machine, which must be EM_X86_64 or
// EM_AARCH64. Undecodable bytes are reported as ".byte" lines and decoding
// continues after them.
func Disassemble(machine elf.Machine, code []byte, pc uint64) ([]Line, error) {
	var out []Line
	switch machine {
	case elf.EM_X86_64:
		for len(code) > 0 {
			inst, err := x86asm.Decode(code, 64)
			if err != nil || inst.Len == 0 {
				out = append(out, Line{PC: pc, Bytes: code[:1], Text: fmt.Sprintf(".byte 0x%02x", code[0])})
				code, pc = code[1:], pc+1
				continue
			}
			out = append(out, Line{PC: pc, Bytes: code[:inst.Len], Text: x86asm.IntelSyntax(inst, pc, nil)})
			code, pc = code[inst.Len:], pc+uint64(inst.Len)
		}
	case elf.EM_AARCH64:
		for len(code) >= 4 {
			text := ""
			if inst, err := arm64asm.Decode(code[:4]); err == nil {
				text = arm64asm.GNUSyntax(inst)
			} else {
				text = fmt.Sprintf(".inst 0x%02x%02x%02x%02x", code[3], code[2], code[1], code[0])
			}
			out = append(out, Line{PC: pc, Bytes: code[:4], Text: text})
			code, pc = code[4:], pc+4
		}
	default:
		return nil, fmt.Errorf("unsupported machine %v", machine)
	}
	return out, nil
}
