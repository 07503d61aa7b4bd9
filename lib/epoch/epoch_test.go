package epoch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// drainUntil calls Drain until cond holds or the deadline passes.
// Scheduled actions reach the arena through the queue goroutine, so a single
// Drain call may not see them yet.
func drainUntil(t *testing.T, e IEpoch, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		e.Drain()
		time.Sleep(time.Millisecond)
	}
}

func newManual(t *testing.T) IEpoch {
	e := NewEpoch(&Options{MaxHandles: 4, SweepInterval: -1})
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func expectPanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("expected panic with %v, got %v", target, r)
		}
	}()
	fn()
}

func TestRegister(t *testing.T) {
	e := newManual(t)

	t.Run("table full", func(t *testing.T) {
		var handles []*Handle
		for i := 0; i < 4; i++ {
			h, err := e.Register()
			if err != nil {
				t.Fatalf("register %d: %v", i, err)
			}
			handles = append(handles, h)
		}
		if _, err := e.Register(); !errors.Is(err, ErrTableFull) {
			t.Fatalf("expected ErrTableFull, got %v", err)
		}
		if e.ActiveHandles() != 4 {
			t.Errorf("expected 4 active handles, got %d", e.ActiveHandles())
		}

		handles[0].Release()
		h, err := e.Register()
		if err != nil {
			t.Fatalf("slot should be reusable after release: %v", err)
		}
		handles[0] = h
		for _, h := range handles {
			h.Release()
		}
	})

	t.Run("closed", func(t *testing.T) {
		e := NewEpoch(nil)
		if err := e.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Register(); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	})
}

func TestProtection(t *testing.T) {
	e := newManual(t)
	h, _ := e.Register()
	defer h.Release()

	if h.IsProtected() {
		t.Fatal("fresh handle should be unprotected")
	}
	epoch := h.ProtectAndGetEpoch()
	if epoch != e.CurrentEpoch() || h.Epoch() != epoch || !h.IsProtected() {
		t.Fatalf("protect should publish current epoch %d, got %d", e.CurrentEpoch(), h.Epoch())
	}

	next := e.BumpCurrentEpoch()
	if next != epoch+1 {
		t.Errorf("bump should return %d, got %d", epoch+1, next)
	}
	if safe := e.SafeToReclaimEpoch(); safe != epoch-1 {
		t.Errorf("safe epoch should be pinned at %d, got %d", epoch-1, safe)
	}

	if h.Refresh() != next {
		t.Errorf("refresh should move to %d", next)
	}
	h.Unprotect()
	if safe := e.SafeToReclaimEpoch(); safe != e.CurrentEpoch()-1 {
		t.Errorf("without protected handles safe epoch is current-1, got %d", safe)
	}
}

func TestDrainWaitsForPinnedHandle(t *testing.T) {
	e := newManual(t)
	pinned, _ := e.Register()
	defer pinned.Release()

	pinned.ProtectAndGetEpoch()

	var ran atomic.Bool
	removedAt := e.BumpCurrentEpochWith(func() { ran.Store(true) })
	if removedAt != pinned.Epoch() {
		t.Fatalf("action should be scheduled at the pre-bump epoch %d, got %d", pinned.Epoch(), removedAt)
	}

	for i := 0; i < 20; i++ {
		e.Drain()
		time.Sleep(time.Millisecond)
	}
	if ran.Load() {
		t.Fatal("action ran while a handle is protected at the removal epoch")
	}
	if e.PendingDrains() != 1 {
		t.Errorf("expected 1 pending drain, got %d", e.PendingDrains())
	}

	pinned.Refresh()
	drainUntil(t, e, ran.Load)
	pinned.Unprotect()

	if e.PendingDrains() != 0 || e.DrainedCount() != 1 {
		t.Errorf("expected 0 pending / 1 drained, got %d / %d", e.PendingDrains(), e.DrainedCount())
	}
}

func TestDrainOrderAndArenaReuse(t *testing.T) {
	e := newManual(t)

	var mu sync.Mutex
	var order []uint64
	record := func(v uint64) func() {
		return func() {
			mu.Lock()
			order = append(order, v)
			mu.Unlock()
		}
	}

	cur := e.CurrentEpoch()
	e.ScheduleOnDrain(cur+5, record(5))
	e.ScheduleOnDrain(cur-1, record(0))
	drainUntil(t, e, func() bool { return e.DrainedCount() == 1 })

	for i := 0; i < 6; i++ {
		e.BumpCurrentEpoch()
	}
	drainUntil(t, e, func() bool { return e.PendingDrains() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 0 || order[1] != 5 {
		t.Fatalf("unexpected drain order %v", order)
	}

	impl := e.(*epochImpl)
	impl.drains.mu.Lock()
	defer impl.drains.mu.Unlock()
	if len(impl.drains.free) != len(impl.drains.slots) {
		t.Errorf("all arena slots should be free, %d of %d", len(impl.drains.free), len(impl.drains.slots))
	}
}

func TestBackgroundSweeper(t *testing.T) {
	e := NewEpoch(&Options{SweepInterval: time.Millisecond})
	defer e.Close()

	done := make(chan struct{})
	e.BumpCurrentEpochWith(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not run the action")
	}
}

func TestContractViolations(t *testing.T) {
	e := newManual(t)

	t.Run("use after release", func(t *testing.T) {
		h, _ := e.Register()
		h.Release()
		if !h.IsReleased() {
			t.Fatal("handle should report released")
		}
		expectPanic(t, ErrHandleReleased, func() { h.ProtectAndGetEpoch() })
		expectPanic(t, ErrHandleReleased, func() { h.Release() })
	})

	t.Run("release while protected", func(t *testing.T) {
		h, _ := e.Register()
		h.ProtectAndGetEpoch()
		expectPanic(t, ErrProtected, func() { h.Release() })
		h.Unprotect()
		h.Release()
	})
}

func TestCloseRunsRemainingActions(t *testing.T) {
	e := NewEpoch(&Options{SweepInterval: -1})
	h, _ := e.Register()
	h.ProtectAndGetEpoch()

	var ran atomic.Int32
	e.BumpCurrentEpochWith(func() { ran.Add(1) })

	if err := e.Close(); !errors.Is(err, ErrProtected) {
		t.Fatalf("close with a protected handle should fail, got %v", err)
	}

	h.Unprotect()
	h.Release()
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if ran.Load() != 1 {
		t.Fatalf("close should run the pending action once, ran %d", ran.Load())
	}

	e.ScheduleOnDrain(1, func() { ran.Add(1) })
	if ran.Load() != 2 {
		t.Error("actions scheduled after close run immediately")
	}
}

func TestConcurrentProtectAndReclaim(t *testing.T) {
	e := NewEpoch(&Options{MaxHandles: 16, SweepInterval: time.Millisecond})
	defer e.Close()

	// a reclaimed object is marked freed; readers must never observe it freed
	// while protected at an epoch <= its removal epoch
	type object struct{ freed atomic.Bool }
	var current atomic.Pointer[object]
	current.Store(&object{})

	var violations atomic.Int32
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := e.Register()
			if err != nil {
				t.Error(err)
				return
			}
			defer h.Release()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h.ProtectAndGetEpoch()
				obj := current.Load()
				for i := 0; i < 10; i++ {
					if obj.freed.Load() {
						violations.Add(1)
					}
				}
				h.Unprotect()
			}
		}()
	}

	for i := 0; i < 500; i++ {
		old := current.Swap(&object{})
		e.BumpCurrentEpochWith(func() { old.freed.Store(true) })
	}
	close(stop)
	wg.Wait()

	if v := violations.Load(); v != 0 {
		t.Fatalf("readers observed %d reclaimed objects", v)
	}
}
