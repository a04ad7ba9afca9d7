// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hub

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type testTramp struct {
	addr    uintptr
	freed   bool
	freeErr error
}

func (t *testTramp) Addr() uintptr { return t.addr }

func (t *testTramp) Free() error {
	if t.freeErr != nil {
		return t.freeErr
	}
	t.freed = true
	return nil
}

type testAlloc struct {
	next  uintptr
	last  *testTramp
	fail  error
	bound Dispatcher
}

func (a *testAlloc) Alloc(d Dispatcher) (Trampoline, error) {
	if a.fail != nil {
		return nil, a.fail
	}
	a.next += 0x40
	a.last = &testTramp{addr: 0x7f0000000000 + a.next}
	a.bound = d
	return a.last, nil
}

// Thread ids far above anything the kernel hands out.
const tidBase = 1 << 30

const orig = uintptr(0x401000)

func newHub(t *testing.T) (*Hub, *testAlloc) {
	t.Helper()
	a := &testAlloc{}
	h, err := New(1, orig, a)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, a
}

func TestNewBindsTrampoline(t *testing.T) {
	h, a := newHub(t)
	if a.bound != h {
		t.Error("trampoline not bound to hub")
	}
	if h.Addr() != a.last.addr {
		t.Errorf("Addr = 0x%x, want 0x%x", h.Addr(), a.last.addr)
	}
	if h.State() != Active {
		t.Errorf("State = %v, want active", h.State())
	}

	_, err := New(2, orig, &testAlloc{fail: errors.New("no memory")})
	if err == nil {
		t.Error("New with failing allocator succeeded")
	}
}

func TestEnterEmptyChainReturnsOriginal(t *testing.T) {
	h, _ := newHub(t)
	tid := tidBase + 1
	if got := h.Enter(tid, 0x4242); got != orig {
		t.Errorf("Enter = 0x%x, want 0x%x", got, orig)
	}
	if ret := h.Leave(tid); ret != 0x4242 {
		t.Errorf("Leave = 0x%x, want 0x4242", ret)
	}
	if h.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", h.InFlight())
	}
	if Depth(tid) != 0 {
		t.Errorf("Depth = %d, want 0", Depth(tid))
	}
}

func TestChainOrderNewestFirst(t *testing.T) {
	h, _ := newHub(t)
	for i, p := range []uintptr{0x1000, 0x2000, 0x3000} {
		if _, err := h.Add(Entry{Task: uint64(i + 1), Proxy: p}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	got := h.Entries()
	want := []uintptr{0x3000, 0x2000, 0x1000}
	for i := range want {
		if got[i].Proxy != want[i] {
			t.Errorf("entry %d = 0x%x, want 0x%x", i, got[i].Proxy, want[i])
		}
	}

	tid := tidBase + 2
	if p := h.Enter(tid, 0); p != 0x3000 {
		t.Errorf("Enter = 0x%x, want 0x3000", p)
	}
	for _, step := range []struct{ self, next uintptr }{{0x3000, 0x2000}, {0x2000, 0x1000}, {0x1000, orig}} {
		next, ok := PrevFunc(tid, step.self)
		if !ok || next != step.next {
			t.Errorf("PrevFunc(0x%x) = 0x%x, %v, want 0x%x", step.self, next, ok, step.next)
		}
	}
	if _, ok := PrevFunc(tid, 0x9999); ok {
		t.Error("PrevFunc of unknown proxy succeeded")
	}
	h.Leave(tid)
	if _, ok := PrevFunc(tid, 0x3000); ok {
		t.Error("PrevFunc after Leave succeeded")
	}
}

func TestAddRejectsDuplicates(t *testing.T) {
	h, _ := newHub(t)
	if _, err := h.Add(Entry{Task: 1, Proxy: 0x1000}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := h.Add(Entry{Task: 2, Proxy: 0x1000}); !errors.Is(err, ErrDuplicateProxy) {
		t.Errorf("duplicate proxy error = %v, want ErrDuplicateProxy", err)
	}
	if _, err := h.Add(Entry{Task: 1, Proxy: 0x2000}); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("duplicate task error = %v, want ErrDuplicateTask", err)
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}
}

func TestRemove(t *testing.T) {
	h, _ := newHub(t)
	h.Add(Entry{Task: 1, Proxy: 0x1000})
	h.Add(Entry{Task: 2, Proxy: 0x2000})
	h.Add(Entry{Task: 3, Proxy: 0x3000})

	old, empty := h.Remove(2)
	if old == nil || empty {
		t.Fatalf("Remove(2) = %v, %v", old, empty)
	}
	if h.Has(2) {
		t.Error("task 2 still present")
	}
	got := h.Entries()
	if len(got) != 2 || got[0].Proxy != 0x3000 || got[1].Proxy != 0x1000 {
		t.Errorf("entries = %+v", got)
	}
	if old, _ := h.Remove(2); old != nil {
		t.Error("second Remove(2) returned a snapshot")
	}
	h.Remove(1)
	if _, empty := h.Remove(3); !empty {
		t.Error("chain not empty after removing all tasks")
	}
}

func TestRingShortCircuits(t *testing.T) {
	h, _ := newHub(t)
	h.Add(Entry{Task: 1, Proxy: 0x1000})
	tid := tidBase + 3

	if got := h.Enter(tid, 0x10); got != 0x1000 {
		t.Fatalf("outer Enter = 0x%x, want proxy", got)
	}
	// The proxy calls the hooked symbol again on the same thread.
	if got := h.Enter(tid, 0x20); got != orig {
		t.Errorf("ring Enter = 0x%x, want original", got)
	}
	if h.Rings() != 1 {
		t.Errorf("Rings = %d, want 1", h.Rings())
	}
	h.Leave(tid)
	if Depth(tid) != 1 {
		t.Errorf("Depth after ring Leave = %d, want 1", Depth(tid))
	}
	if ret, ok := ReturnAddress(tid, 0x1000); !ok || ret != 0x10 {
		t.Errorf("ReturnAddress = 0x%x, %v, want 0x10", ret, ok)
	}
	h.Leave(tid)
	if h.InFlight() != 0 || h.Calls() != 2 {
		t.Errorf("InFlight = %d, Calls = %d", h.InFlight(), h.Calls())
	}
}

func TestRingDoesNotCrossHubs(t *testing.T) {
	a, _ := newHub(t)
	b, _ := newHub(t)
	a.Add(Entry{Task: 1, Proxy: 0x1000})
	b.Add(Entry{Task: 1, Proxy: 0x1000})
	tid := tidBase + 4

	a.Enter(tid, 0)
	if got := b.Enter(tid, 0); got != 0x1000 {
		t.Errorf("nested Enter on other hub = 0x%x, want proxy", got)
	}
	b.Leave(tid)
	a.Leave(tid)
}

func TestPinnedSnapshotSurvivesRemoval(t *testing.T) {
	h, _ := newHub(t)
	h.Add(Entry{Task: 1, Proxy: 0x1000})
	h.Add(Entry{Task: 2, Proxy: 0x2000})
	caller := tidBase + 5
	other := tidBase + 6

	h.Enter(caller, 0)
	old, _ := h.Remove(2)
	if old.Readers() != 1 {
		t.Fatalf("Readers = %d, want 1", old.Readers())
	}
	// The in-flight call still sees the chain it entered with.
	if next, _ := PrevFunc(caller, 0x2000); next != 0x1000 {
		t.Errorf("PrevFunc on pinned snapshot = 0x%x, want 0x1000", next)
	}

	if WaitQuiescent(other, []*Snapshot{old}, 5*time.Millisecond) {
		t.Error("WaitQuiescent succeeded while another thread pins the snapshot")
	}
	if !WaitQuiescent(caller, []*Snapshot{old}, 5*time.Millisecond) {
		t.Error("WaitQuiescent from the pinning thread did not exclude its own frame")
	}

	done := make(chan bool)
	go func() { done <- WaitQuiescent(other, []*Snapshot{old}, time.Second) }()
	time.Sleep(2 * time.Millisecond)
	h.Leave(caller)
	if !<-done {
		t.Error("WaitQuiescent did not observe Leave")
	}
}

func TestDrainAndReclaim(t *testing.T) {
	h, a := newHub(t)
	h.Add(Entry{Task: 1, Proxy: 0x1000})
	tid := tidBase + 7
	h.Enter(tid, 0)

	h.Remove(1)
	now := time.Now()
	h.Drain(now)
	if h.State() != Draining {
		t.Fatalf("State = %v, want draining", h.State())
	}
	if _, err := h.Add(Entry{Task: 2, Proxy: 0x2000}); !errors.Is(err, ErrNotActive) {
		t.Errorf("Add on draining hub error = %v, want ErrNotActive", err)
	}
	if h.Reclaimable(now, 0) {
		t.Error("hub with a call in flight is reclaimable")
	}
	h.Leave(tid)
	if h.Reclaimable(now, time.Minute) {
		t.Error("hub reclaimable before grace period")
	}
	if !h.Reclaimable(now.Add(time.Minute), time.Minute) {
		t.Error("drained hub not reclaimable after grace period")
	}
	if err := h.Reclaim(); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if !a.last.freed || h.State() != Dead {
		t.Errorf("freed = %v, State = %v", a.last.freed, h.State())
	}
	if err := h.Reclaim(); err == nil {
		t.Error("second Reclaim succeeded")
	}
}

func TestReclaimRetriesAfterFreeFailure(t *testing.T) {
	h, a := newHub(t)
	h.Drain(time.Now())

	boom := errors.New("munmap failed")
	a.last.freeErr = boom
	if err := h.Reclaim(); !errors.Is(err, boom) {
		t.Fatalf("Reclaim error = %v, want %v", err, boom)
	}
	if h.State() != Draining {
		t.Errorf("State = %v, want draining", h.State())
	}
	if !h.Reclaimable(time.Now(), 0) {
		t.Error("hub with a failed reclaim is no longer reclaimable")
	}

	a.last.freeErr = nil
	if err := h.Reclaim(); err != nil {
		t.Fatalf("Reclaim retry: %v", err)
	}
	if !a.last.freed || h.State() != Dead {
		t.Errorf("freed = %v, State = %v", a.last.freed, h.State())
	}
}

func TestConcurrentDispatchAndMutation(t *testing.T) {
	h, _ := newHub(t)
	const workers = 8
	const rounds = 2000

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				target := h.Enter(tid, 0)
				if target != orig {
					if _, ok := PrevFunc(tid, target); !ok {
						t.Errorf("PrevFunc(0x%x) failed inside call", target)
					}
				}
				h.Leave(tid)
			}
		}(tidBase + 100 + w)
	}

	var retired []*Snapshot
	for i := 0; i < rounds; i++ {
		old, err := h.Add(Entry{Task: uint64(i), Proxy: uintptr(0x10000 + i*16)})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		retired = append(retired, old)
		if i%2 == 1 {
			old, _ := h.Remove(uint64(i - 1))
			retired = append(retired, old)
		}
	}
	close(stop)
	wg.Wait()

	if !WaitQuiescent(tidBase, retired, time.Second) {
		t.Error("retired snapshots still pinned after workers stopped")
	}
	if h.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", h.InFlight())
	}
	if h.Len() != rounds/2 {
		t.Errorf("Len = %d, want %d", h.Len(), rounds/2)
	}
}
