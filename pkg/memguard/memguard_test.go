// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memguard

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/mbeema/plthook/internal/elftest"
	"github.com/mbeema/plthook/internal/fakeproc"
	"github.com/mbeema/plthook/pkg/procmem"
)

func setup(t *testing.T, relro bool) (*fakeproc.Process, *fakeproc.Module, *Manager) {
	t.Helper()
	p := fakeproc.New()
	img := elftest.New().Import("malloc", "free", "open", "close").Build()
	m := p.Load("/app/bin", img, fakeproc.LoadOptions{RELRO: relro})
	return p, m, New(p, p, 2, zaptest.NewLogger(t))
}

func TestPatchWritablePage(t *testing.T) {
	p, m, g := setup(t, false)
	slot := m.Slot("malloc")

	out, err := g.Patch(slot, 0x1234)
	if err != nil || out != OK {
		t.Fatalf("Patch = %v, %v", out, err)
	}
	if v, _ := p.LoadPointer(slot); v != 0x1234 {
		t.Errorf("slot = 0x%x, want 0x1234", v)
	}
	if p.Protects() != 0 {
		t.Errorf("Protects = %d, want 0 for a writable page", p.Protects())
	}
}

func TestPatchReadOnlyPageRestoresProtection(t *testing.T) {
	p, m, g := setup(t, true)
	slot := m.Slot("free")

	out, err := g.Patch(slot, 0xbeef)
	if err != nil || out != OK {
		t.Fatalf("Patch = %v, %v", out, err)
	}
	if v, _ := p.LoadPointer(slot); v != 0xbeef {
		t.Errorf("slot = 0x%x, want 0xbeef", v)
	}
	prot, _ := p.Protection(slot)
	if prot != procmem.ProtRead {
		t.Errorf("protection after patch = %v, want r--", prot)
	}
	if st := g.Stats(); st.Widenings != 1 || st.InUse != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPatchRecoversFromConcurrentReprotect(t *testing.T) {
	p, m, g := setup(t, true)
	slot := m.Slot("open")

	// Someone drops write permission between widening and the store.
	first := true
	p.BeforeStore(func(addr uintptr) {
		if first {
			first = false
			p.Protect(procmem.PageStart(addr, fakeproc.PageSize), fakeproc.PageSize, procmem.ProtRead)
		}
	})
	defer p.BeforeStore(nil)

	out, err := g.Patch(slot, 0x42)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if out != Recovered {
		t.Errorf("outcome = %v, want recovered", out)
	}
	if v, _ := p.LoadPointer(slot); v != 0x42 {
		t.Errorf("slot = 0x%x, want 0x42", v)
	}
	if g.Stats().Recovered != 1 {
		t.Errorf("Recovered = %d, want 1", g.Stats().Recovered)
	}
}

func TestPatchUnmappedIsFatal(t *testing.T) {
	p, m, g := setup(t, false)
	slot := m.Slot("close")
	if err := p.Unload(m); err != nil {
		t.Fatal(err)
	}

	out, err := g.Patch(slot, 0x42)
	if out != Fatal || !errors.Is(err, ErrProtectionFailure) {
		t.Errorf("Patch = %v, %v, want fatal ErrProtectionFailure", out, err)
	}
	if g.Stats().Failures != 1 {
		t.Errorf("Failures = %d, want 1", g.Stats().Failures)
	}
}

func TestInvalidatedSlotIsNotRecovered(t *testing.T) {
	p, m, g := setup(t, true)
	slot := m.Slot("malloc")

	p.BeforeStore(func(addr uintptr) {
		// The module goes away while the write is in progress.
		g.Invalidate(m.Base, m.End)
		p.Protect(procmem.PageStart(addr, fakeproc.PageSize), fakeproc.PageSize, procmem.ProtRead)
	})
	defer p.BeforeStore(nil)

	out, err := g.Patch(slot, 0x42)
	if out != Fatal || !errors.Is(err, ErrProtectionFailure) {
		t.Errorf("Patch = %v, %v, want fatal", out, err)
	}
}

func TestPoolGrowsAndNeverShrinks(t *testing.T) {
	p := fakeproc.New()
	var mods []*fakeproc.Module
	for i := 0; i < 6; i++ {
		img := elftest.New().Import("malloc").Build()
		mods = append(mods, p.Load("/lib/lib.so", img, fakeproc.LoadOptions{RELRO: true}))
	}
	g := New(p, p, 2, nil)

	// Hold writers inside the store so all slots are in use at once.
	var ready, release sync.WaitGroup
	ready.Add(len(mods))
	release.Add(1)
	var once sync.Map
	p.BeforeStore(func(addr uintptr) {
		if _, loaded := once.LoadOrStore(addr, true); !loaded {
			ready.Done()
			release.Wait()
		}
	})

	var wg sync.WaitGroup
	for _, m := range mods {
		wg.Add(1)
		go func(slot uintptr) {
			defer wg.Done()
			if _, err := g.Patch(slot, 0x99); err != nil {
				t.Errorf("Patch: %v", err)
			}
		}(m.Slot("malloc"))
	}
	ready.Wait()
	if st := g.Stats(); st.InUse != len(mods) || st.Slots < len(mods) {
		t.Errorf("stats while busy = %+v", st)
	}
	release.Done()
	wg.Wait()
	p.BeforeStore(nil)

	st := g.Stats()
	if st.InUse != 0 || st.Slots < len(mods) {
		t.Errorf("stats after = %+v, want no slots in use and pool kept", st)
	}
}

func TestOverlappingRequestsShareSlot(t *testing.T) {
	p, m, g := setup(t, true)
	a, b := m.Slot("malloc"), m.Slot("free")
	if procmem.PageStart(a, fakeproc.PageSize) != procmem.PageStart(b, fakeproc.PageSize) {
		t.Skip("slots on different pages")
	}

	inside := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p.BeforeStore(func(addr uintptr) {
		if addr == a {
			once.Do(func() {
				close(inside)
				<-release
			})
		}
	})
	defer p.BeforeStore(nil)

	done := make(chan error)
	go func() {
		_, err := g.Patch(a, 1)
		done <- err
	}()
	<-inside
	go func() {
		_, err := g.Patch(b, 2)
		done <- err
	}()
	close(release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("Patch: %v", err)
		}
	}
	if st := g.Stats(); st.InUse != 0 {
		t.Errorf("InUse = %d, want 0", st.InUse)
	}
	if prot, _ := p.Protection(a); prot != procmem.ProtRead {
		t.Errorf("protection = %v, want r--", prot)
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{OK: "ok", Recovered: "recovered", Fatal: "fatal"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", o, o.String(), want)
		}
	}
}
