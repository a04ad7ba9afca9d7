// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package modules enumerates the ELF modules loaded in a process and keeps
// the identity of each loaded instance across scans.
package modules

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Module is one loaded ELF image.
type Module struct {
	Path  string
	Base  uintptr
	End   uintptr
	Dev   string
	Inode uint64

	// Instance distinguishes concurrent loads of the same path. It is
	// assigned by Registry, starting at 1.
	Instance uint32
}

// Key identifies a loaded instance.
type Key struct {
	Path     string
	Base     uintptr
	Instance uint32
}

func (m Module) Key() Key {
	return Key{Path: m.Path, Base: m.Base, Instance: m.Instance}
}

// String renders the module as a pinned locator, path@0xBASE%0xINSTANCE.
func (m Module) String() string {
	return fmt.Sprintf("%s@0x%x%%0x%x", m.Path, m.Base, m.Instance)
}

func (k Key) String() string {
	return fmt.Sprintf("%s@0x%x%%0x%x", k.Path, k.Base, k.Instance)
}

// Contains reports whether addr lies in the module's mapped range.
func (m Module) Contains(addr uintptr) bool {
	return addr >= m.Base && addr < m.End
}

// Name returns the base name of the module path.
func (m Module) Name() string {
	return filepath.Base(m.Path)
}

// Hookable reports whether the module can carry hooks at all. Anonymous and
// pseudo mappings ("[vdso]") never can.
func (m Module) Hookable() bool {
	return m.Path != "" && !strings.HasPrefix(m.Path, "[")
}

// Source enumerates the modules currently loaded. Instances are left zero;
// Registry assigns them.
type Source interface {
	Modules() ([]Module, error)
}

// EventKind tells a load from an unload.
type EventKind int

const (
	Loaded EventKind = iota + 1
	Unloaded
)

func (k EventKind) String() string {
	switch k {
	case Loaded:
		return "loaded"
	case Unloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Event is reported by the module loader hooks, once before the loader
// call (Pre set) and once after it.
type Event struct {
	Kind EventKind
	// Name is the name passed to the loader, when known.
	Name string
	Pre  bool
	// OK is false when the loader call failed.
	OK bool
}
