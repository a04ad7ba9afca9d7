// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package fakeproc simulates a process for the hooking engine: sparse
// paged memory with protections, modules built by elftest and bound the way
// a dynamic linker binds them, Go functions standing in for machine code,
// and trampolines that dispatch through hub.Dispatcher exactly as the
// native ones do.
package fakeproc

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/mbeema/plthook/internal/elftest"
	"github.com/mbeema/plthook/pkg/hub"
	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/procmem"
)

// PageSize of the simulated process.
const PageSize = elftest.PageSize

const (
	moduleRegion = uintptr(0x10000000)
	funcRegion   = uintptr(0x50000000000)
	trampRegion  = uintptr(0x60000000000)
	funcStride   = 16
	trampStride  = 64
)

// Func stands in for a machine-code function taking and returning one word.
type Func func(arg uintptr) uintptr

// LoadOptions control how a module is bound.
type LoadOptions struct {
	// Lazy leaves PLT slots pointing at their stubs until the first call.
	Lazy bool
	// RELRO makes the GOT read-only after binding.
	RELRO bool
	// Impl supplies exported functions; unlisted exports return 0.
	Impl map[string]Func
}

// Module is a loaded image.
type Module struct {
	Path  string
	Base  uintptr
	End   uintptr
	Inode uint64
	Image *elftest.Image

	addrs []uintptr
}

// Export returns the runtime address of an exported symbol.
func (m *Module) Export(name string) uintptr {
	off, ok := m.Image.Exports[name]
	if !ok {
		return 0
	}
	return m.Base + uintptr(off)
}

// Slot returns the address of the jump slot through which m calls symbol,
// or of its first GOT slot when it has no jump slot.
func (m *Module) Slot(symbol string) uintptr {
	if off, ok := m.Image.PLT[symbol]; ok {
		return m.Base + uintptr(off)
	}
	if offs := m.Image.Slots[symbol]; len(offs) > 0 {
		return m.Base + uintptr(offs[0])
	}
	return 0
}

// Slots returns every GOT slot through which m imports symbol.
func (m *Module) Slots(symbol string) []uintptr {
	var out []uintptr
	for _, off := range m.Image.Slots[symbol] {
		out = append(out, m.Base+uintptr(off))
	}
	return out
}

// Stub returns the lazy-binding stub of symbol.
func (m *Module) Stub(symbol string) uintptr {
	off, ok := m.Image.Stubs[symbol]
	if !ok {
		return 0
	}
	return m.Base + uintptr(off)
}

// Process is the simulated process. It implements procmem.Memory,
// procmem.Protector and modules.Source.
type Process struct {
	mu       sync.RWMutex
	pages    map[uintptr]*page
	funcs    map[uintptr]Func
	tramps   map[uintptr]hub.Dispatcher
	mods     []*Module
	inodes   map[string]uint64
	nextBase uintptr
	nextFunc uintptr
	nextTr   uintptr
	stores   int
	protects int
	freed    int
	pseudo   []modules.Module

	beforeStore atomic.Pointer[func(addr uintptr)]

	loader *loader
}

// New creates an empty process.
func New() *Process {
	return &Process{
		pages:    make(map[uintptr]*page),
		funcs:    make(map[uintptr]Func),
		tramps:   make(map[uintptr]hub.Dispatcher),
		inodes:   make(map[string]uint64),
		nextBase: moduleRegion,
		nextFunc: funcRegion,
		nextTr:   trampRegion,
	}
}

// NewFunc places fn at a fresh code address outside every module.
func (p *Process) NewFunc(fn Func) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := p.nextFunc
	p.nextFunc += funcStride
	p.funcs[addr] = fn
	return addr
}

// Load maps img at a fresh base, registers its exports and binds its GOT
// against the modules already loaded, in load order.
func (p *Process) Load(path string, img *elftest.Image, opts LoadOptions) *Module {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.nextBase
	p.nextBase += uintptr(len(img.Bytes)) + 16*PageSize
	inode, ok := p.inodes[path]
	if !ok {
		inode = uint64(len(p.inodes) + 100)
		p.inodes[path] = inode
	}
	m := &Module{
		Path:  path,
		Base:  base,
		End:   base + uintptr(len(img.Bytes)),
		Inode: inode,
		Image: img,
	}

	p.mapLocked(base, img.Bytes[:img.RWStart], procmem.ProtRead|procmem.ProtExec)
	p.mapLocked(base+uintptr(img.RWStart), img.Bytes[img.RWStart:], procmem.ProtRead|procmem.ProtWrite)

	for name, off := range img.Exports {
		fn := opts.Impl[name]
		if fn == nil {
			fn = func(uintptr) uintptr { return 0 }
		}
		addr := base + uintptr(off)
		p.funcs[addr] = fn
		m.addrs = append(m.addrs, addr)
	}
	p.mods = append(p.mods, m)

	for name, offs := range img.Slots {
		target := p.resolveLocked(name, m)
		for _, off := range offs {
			slot := base + uintptr(off)
			if stub, ok := img.Stubs[name]; ok && opts.Lazy && off == img.PLT[name] {
				p.pokeLocked(slot, base+uintptr(stub))
				continue
			}
			p.pokeLocked(slot, target)
		}
	}
	for name, off := range img.Stubs {
		name, stub, slot := name, base+uintptr(off), base+uintptr(img.PLT[name])
		p.funcs[stub] = func(arg uintptr) uintptr {
			p.mu.Lock()
			target := p.resolveLocked(name, m)
			p.pokeLocked(slot, target)
			p.mu.Unlock()
			return p.Invoke(target, arg)
		}
		m.addrs = append(m.addrs, stub)
	}

	if opts.RELRO {
		for a := base + uintptr(img.RWStart); a < m.End; a += PageSize {
			p.pages[a].prot = procmem.ProtRead
		}
	}
	return m
}

// resolveLocked finds the first module in load order, other than from,
// exporting name.
func (p *Process) resolveLocked(name string, from *Module) uintptr {
	for _, m := range p.mods {
		if m == from {
			continue
		}
		if off, ok := m.Image.Exports[name]; ok {
			return m.Base + uintptr(off)
		}
	}
	return 0
}

// Unload unmaps m. Calls into it afterwards panic.
func (p *Process) Unload(m *Module) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.mods {
		if x != m {
			continue
		}
		p.mods = append(p.mods[:i], p.mods[i+1:]...)
		p.unmapLocked(m.Base, m.End)
		for _, a := range m.addrs {
			delete(p.funcs, a)
		}
		return nil
	}
	return fmt.Errorf("%s is not loaded", m.Path)
}

// AddPseudo adds a mapping without an image, like [vdso].
func (p *Process) AddPseudo(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := p.nextBase
	p.nextBase += 2 * PageSize
	p.pseudo = append(p.pseudo, modules.Module{Path: path, Base: base, End: base + PageSize})
}

// Loaded returns the modules in load order.
func (p *Process) Loaded() []*Module {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Module(nil), p.mods...)
}

// Modules implements modules.Source.
func (p *Process) Modules() ([]modules.Module, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]modules.Module, 0, len(p.mods)+len(p.pseudo))
	for _, m := range p.mods {
		out = append(out, modules.Module{
			Path:  m.Path,
			Base:  m.Base,
			End:   m.End,
			Dev:   "fd:01",
			Inode: m.Inode,
		})
	}
	return append(out, p.pseudo...), nil
}

// ErrNotCode is the panic value of a call to an address holding no code.
var ErrNotCode = errors.New("call to an address that holds no code")

// Invoke calls the code at addr on the current OS thread.
func (p *Process) Invoke(addr, arg uintptr) uintptr {
	return p.invoke(addr, arg, 0)
}

// CallImport calls symbol from m through its GOT, as m's code would.
func (p *Process) CallImport(m *Module, symbol string, arg uintptr) uintptr {
	slot := m.Slot(symbol)
	if slot == 0 {
		panic(fmt.Sprintf("fakeproc: %s does not import %s", m.Path, symbol))
	}
	target, err := p.LoadPointer(slot)
	if err != nil {
		panic(fmt.Sprintf("fakeproc: load GOT slot of %s in %s: %v", symbol, m.Path, err))
	}
	return p.invoke(target, arg, m.Base+PageSize/2)
}

func (p *Process) invoke(addr, arg, ret uintptr) uintptr {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.mu.RLock()
	d, isTramp := p.tramps[addr]
	fn, isFunc := p.funcs[addr]
	p.mu.RUnlock()

	switch {
	case isTramp:
		tid := hub.CurrentThread()
		target := d.Enter(tid, ret)
		defer d.Leave(tid)
		return p.invoke(target, arg, ret)
	case isFunc:
		return fn(arg)
	}
	panic(fmt.Errorf("%w: 0x%x", ErrNotCode, addr))
}

// Trampolines returns the process's trampoline allocator.
func (p *Process) Trampolines() hub.Allocator { return trampAlloc{p} }

// LiveTrampolines returns the number of allocated, unfreed trampolines.
func (p *Process) LiveTrampolines() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tramps)
}

// FreedTrampolines returns the number of freed trampolines.
func (p *Process) FreedTrampolines() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.freed
}

// IsTrampoline reports whether addr is a live trampoline.
func (p *Process) IsTrampoline(addr uintptr) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.tramps[addr]
	return ok
}

type trampAlloc struct{ p *Process }

func (a trampAlloc) Alloc(d hub.Dispatcher) (hub.Trampoline, error) {
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	addr := a.p.nextTr
	a.p.nextTr += trampStride
	a.p.tramps[addr] = d
	return &trampoline{p: a.p, addr: addr}, nil
}

type trampoline struct {
	p    *Process
	addr uintptr
}

func (t *trampoline) Addr() uintptr { return t.addr }

func (t *trampoline) Free() error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	if _, ok := t.p.tramps[t.addr]; !ok {
		return fmt.Errorf("trampoline 0x%x freed twice", t.addr)
	}
	delete(t.p.tramps, t.addr)
	t.p.freed++
	return nil
}
