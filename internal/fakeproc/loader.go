// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package fakeproc

import (
	"sync"
	"sync/atomic"

	"github.com/mbeema/plthook/internal/elftest"
	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/refresh"
)

// LoaderPath is where LoadLoader maps the dynamic loader library.
const LoaderPath = "/system/lib64/libdl.so"

type staged struct {
	path string
	img  *elftest.Image
	opts LoadOptions
}

type loader struct {
	p   *Process
	lib *Module

	mu      sync.Mutex
	staged  map[uintptr]staged
	next    uintptr
	handler func(modules.Event)
}

// LoadLoader maps a library exporting dlopen, android_dlopen_ext and
// dlclose. dlopen takes a handle returned by Stage and returns the base of
// the loaded module, or 0. dlclose takes a base and returns 0 on success.
func (p *Process) LoadLoader() *Module {
	l := &loader{p: p, staged: make(map[uintptr]staged), next: 1}
	img := elftest.New().Export("dlopen", "android_dlopen_ext", "dlclose").Build()
	l.lib = p.Load(LoaderPath, img, LoadOptions{Impl: map[string]Func{
		"dlopen":             l.dlopen,
		"android_dlopen_ext": l.dlopen,
		"dlclose":            l.dlclose,
	}})
	p.mu.Lock()
	p.loader = l
	p.mu.Unlock()
	return l.lib
}

// Stage prepares a module for a later dlopen and returns its handle.
func (p *Process) Stage(path string, img *elftest.Image, opts LoadOptions) uintptr {
	l := p.mustLoader()
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.next
	l.next++
	l.staged[h] = staged{path: path, img: img, opts: opts}
	return h
}

func (p *Process) mustLoader() *loader {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.loader == nil {
		panic("fakeproc: LoadLoader was not called")
	}
	return p.loader
}

func (l *loader) dlopen(handle uintptr) uintptr {
	l.mu.Lock()
	s, ok := l.staged[handle]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return l.p.Load(s.path, s.img, s.opts).Base
}

func (l *loader) dlclose(base uintptr) uintptr {
	for _, m := range l.p.Loaded() {
		if m.Base == base {
			if err := l.p.Unload(m); err != nil {
				return 1
			}
			return 0
		}
	}
	return 1
}

func (l *loader) name(kind modules.EventKind, arg uintptr) string {
	if kind == modules.Unloaded {
		for _, m := range l.p.Loaded() {
			if m.Base == arg {
				return m.Path
			}
		}
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.staged[arg].path
}

func (l *loader) emit(ev modules.Event) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// EventSource returns loader proxies that report through the subscribed
// handler, the way the native dlopen and dlclose proxies do.
func (p *Process) EventSource() refresh.EventSource {
	return &eventSource{l: p.mustLoader()}
}

type eventSource struct {
	l     *loader
	once  sync.Once
	hooks []refresh.LoaderHook
}

func (s *eventSource) Subscribe(h func(modules.Event)) {
	s.l.mu.Lock()
	s.l.handler = h
	s.l.mu.Unlock()
}

func (s *eventSource) Hooks() []refresh.LoaderHook {
	s.once.Do(func() {
		for _, sym := range []struct {
			name string
			kind modules.EventKind
		}{
			{"dlopen", modules.Loaded},
			{"android_dlopen_ext", modules.Loaded},
			{"dlclose", modules.Unloaded},
		} {
			orig := new(atomic.Uintptr)
			kind := sym.kind
			proxy := s.l.p.NewFunc(func(arg uintptr) uintptr {
				name := s.l.name(kind, arg)
				s.l.emit(modules.Event{Kind: kind, Name: name, Pre: true})
				r := s.l.p.Invoke(orig.Load(), arg)
				ok := r != 0
				if kind == modules.Unloaded {
					ok = r == 0
				}
				s.l.emit(modules.Event{Kind: kind, Name: name, OK: ok})
				return r
			})
			s.hooks = append(s.hooks, refresh.LoaderHook{Symbol: sym.name, Proxy: proxy, Orig: orig})
		}
	})
	return s.hooks
}
