package testing

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
	"github.com/ValentinKolb/hlock/lib/locktable"
)

// RunLockTableTests runs the conformance suite for a lock table implementation.
func RunLockTableTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("InlineFastPath", func(t *testing.T) {
			testInlineFastPath(t, newEnv(t, factory))
		})

		t.Run("ManualBlocksEphemeral", func(t *testing.T) {
			testManualBlocksEphemeral(t, newEnv(t, factory))
		})

		t.Run("ThreeManualShared", func(t *testing.T) {
			testThreeManualShared(t, newEnv(t, factory))
		})

		t.Run("Composition", func(t *testing.T) {
			testComposition(t, newEnv(t, factory))
		})

		t.Run("OverflowAbsorbsInline", func(t *testing.T) {
			testOverflowAbsorbsInline(t, newEnv(t, factory))
		})

		t.Run("NoLeak", func(t *testing.T) {
			testNoLeak(t, newEnv(t, factory))
		})

		t.Run("IdempotentObservability", func(t *testing.T) {
			testIdempotentObservability(t, newEnv(t, factory))
		})

		t.Run("UnprotectedHandle", func(t *testing.T) {
			testUnprotectedHandle(t, newEnv(t, factory))
		})

		t.Run("StaleDescriptor", func(t *testing.T) {
			testStaleDescriptor(t, newEnv(t, factory))
		})

		t.Run("ContractViolations", func(t *testing.T) {
			testContractViolations(t, newEnv(t, factory))
		})

		t.Run("MutualExclusion", func(t *testing.T) {
			testMutualExclusion(t, newEnv(t, factory))
		})

		t.Run("SharedCompatibility", func(t *testing.T) {
			testSharedCompatibility(t, newEnv(t, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func expectState(t *testing.T, lt locktable.ILockTable, key string, hei *hashindex.HashEntryInfo, want locktable.LockState) {
	t.Helper()
	if got := lt.GetLockState([]byte(key), hei); got != want {
		t.Fatalf("state of %q: got %+v, want %+v", key, got, want)
	}
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, locktable.ErrContractViolation) {
			t.Fatalf("expected contract violation panic, got %v", r)
		}
	}()
	fn()
}

// onThread runs fn on its own goroutine with its own session and waits for it.
func onThread(t *testing.T, e *env, fn func(s *session)) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s := e.session(t)
		defer s.close()
		fn(s)
	}()
	<-done
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testInlineFastPath(t *testing.T, e *env) {
	s := e.session(t)
	key := []byte("inline")
	hei := s.hei("inline")

	if !e.lt.TryLockEphemeralExclusive(key, hei) {
		t.Fatal("exclusive on a free key should succeed")
	}
	if !hashindex.InlineExclusive(hei.Load()) || e.lt.OverflowEntries() != 0 {
		t.Fatal("a single ephemeral exclusive lock must stay inline")
	}
	if e.lt.TryLockEphemeralExclusive(key, hei) || e.lt.TryLockEphemeralShared(key, hei) {
		t.Fatal("exclusive must block every other request")
	}
	expectState(t, e.lt, "inline", hei, locktable.LockState{ExclusiveHolders: 1, EphemeralActive: true})
	e.lt.UnlockEphemeralExclusive(key, hei)

	if !e.lt.TryLockEphemeralShared(key, hei) {
		t.Fatal("shared on a free key should succeed")
	}
	if !hashindex.InlineShared(hei.Load()) || e.lt.OverflowEntries() != 0 {
		t.Fatal("a single ephemeral shared lock must stay inline")
	}
	if e.lt.TryLockEphemeralExclusive(key, hei) {
		t.Fatal("exclusive must fail while shared is held")
	}
	e.lt.UnlockEphemeralShared(key, hei)

	if e.lt.IsLocked(key, hei) || !hashindex.InlineFree(hei.Load()) {
		t.Fatal("key should be free")
	}
}

func testManualBlocksEphemeral(t *testing.T, e *env) {
	key := []byte("k")
	t1 := e.session(t)
	t1hei := t1.hei("k")
	if !e.lt.TryLockManual(key, t1hei, locktable.LockExclusive) {
		t.Fatal("T1 manual exclusive should succeed")
	}

	onThread(t, e, func(t2 *session) {
		if e.lt.TryLockEphemeralShared(key, t2.hei("k")) {
			t.Error("T2 ephemeral shared must fail while T1 holds manual exclusive")
		}
	})

	e.lt.UnlockManual(key, t1hei, locktable.LockExclusive)

	onThread(t, e, func(t2 *session) {
		hei := t2.hei("k")
		if !e.lt.TryLockEphemeralShared(key, hei) {
			t.Error("T2 ephemeral shared should succeed after release")
			return
		}
		e.lt.UnlockEphemeralShared(key, hei)
	})

	expectState(t, e.lt, "k", t1.hei("k"), locktable.LockState{})
}

func testThreeManualShared(t *testing.T, e *env) {
	key := []byte("k")
	sessions := make([]*session, 3)
	heis := make([]*hashindex.HashEntryInfo, 3)
	for i := range sessions {
		sessions[i] = e.session(t)
		heis[i] = sessions[i].hei("k")
		if !e.lt.TryLockManual(key, heis[i], locktable.LockShared) {
			t.Fatalf("manual shared %d should succeed", i)
		}
	}

	if got := e.lt.GetLockState(key, heis[0]).SharedHolderCount; got != 3 {
		t.Fatalf("expected 3 shared holders, got %d", got)
	}
	if !e.lt.IsLockedShared(key, heis[0]) || e.lt.IsLockedExclusive(key, heis[0]) {
		t.Fatal("key should be shared locked only")
	}

	for i := range sessions {
		e.lt.UnlockManual(key, heis[i], locktable.LockShared)
	}
	expectState(t, e.lt, "k", heis[0], locktable.LockState{})
	if e.lt.OverflowEntries() != 0 {
		t.Fatal("overflow entry should be removed")
	}
}

func testComposition(t *testing.T, e *env) {
	s := e.session(t)
	key := []byte("c")
	hei := s.hei("c")

	t.Run("manual exclusive blocks everything", func(t *testing.T) {
		if !e.lt.TryLockManual(key, hei, locktable.LockExclusive) {
			t.Fatal("manual exclusive should succeed")
		}
		if e.lt.TryLockEphemeralShared(key, hei) || e.lt.TryLockEphemeralExclusive(key, hei) {
			t.Fatal("ephemeral locks must fail while manual exclusive is held")
		}
		if e.lt.TryLockManual(key, hei, locktable.LockShared) || e.lt.TryLockManual(key, hei, locktable.LockExclusive) {
			t.Fatal("manual locks must fail while manual exclusive is held")
		}
		e.lt.UnlockManual(key, hei, locktable.LockExclusive)
		if !e.lt.TryLockEphemeralExclusive(key, hei) {
			t.Fatal("ephemeral exclusive should succeed after release")
		}
		e.lt.UnlockEphemeralExclusive(key, hei)
	})

	t.Run("manual shared admits ephemeral shared", func(t *testing.T) {
		if !e.lt.TryLockManual(key, hei, locktable.LockShared) {
			t.Fatal("manual shared should succeed")
		}
		if !e.lt.TryLockEphemeralShared(key, hei) {
			t.Fatal("ephemeral shared should coexist with manual shared")
		}
		if e.lt.TryLockEphemeralExclusive(key, hei) {
			t.Fatal("ephemeral exclusive must fail with shared holders")
		}
		expectState(t, e.lt, "c", hei, locktable.LockState{SharedHolderCount: 2, EphemeralActive: true})
		e.lt.UnlockEphemeralShared(key, hei)
		expectState(t, e.lt, "c", hei, locktable.LockState{SharedHolderCount: 1})
		e.lt.UnlockManual(key, hei, locktable.LockShared)
	})

	t.Run("ephemeral exclusive blocks manual", func(t *testing.T) {
		if !e.lt.TryLockEphemeralExclusive(key, hei) {
			t.Fatal("ephemeral exclusive should succeed")
		}
		if e.lt.TryLockManual(key, hei, locktable.LockShared) || e.lt.TryLockManual(key, hei, locktable.LockExclusive) {
			t.Fatal("manual locks must fail while an ephemeral exclusive is held")
		}
		e.lt.UnlockEphemeralExclusive(key, hei)
		if !e.lt.TryLockManual(key, hei, locktable.LockExclusive) {
			t.Fatal("manual exclusive should succeed after release")
		}
		e.lt.UnlockManual(key, hei, locktable.LockExclusive)
	})

	expectState(t, e.lt, "c", hei, locktable.LockState{})
}

func testOverflowAbsorbsInline(t *testing.T, e *env) {
	s := e.session(t)
	key := []byte("a")
	hei := s.hei("a")

	if !e.lt.TryLockEphemeralShared(key, hei) || !e.lt.TryLockEphemeralShared(key, hei) {
		t.Fatal("two ephemeral shared locks should succeed")
	}
	if !hashindex.InlineOverflow(hei.Load()) || e.lt.OverflowEntries() != 1 {
		t.Fatal("the second shared holder needs an overflow entry")
	}
	if !e.lt.TryLockManual(key, hei, locktable.LockShared) {
		t.Fatal("manual shared should succeed")
	}
	expectState(t, e.lt, "a", hei, locktable.LockState{SharedHolderCount: 3, EphemeralActive: true})

	e.lt.UnlockEphemeralShared(key, hei)
	e.lt.UnlockManual(key, hei, locktable.LockShared)
	e.lt.UnlockEphemeralShared(key, hei)

	if !hashindex.InlineFree(hei.Load()) || e.lt.OverflowEntries() != 0 {
		t.Fatal("removing the entry must clear the overflow marker")
	}
	if !e.lt.TryLockEphemeralExclusive(key, hei) || e.lt.OverflowEntries() != 0 {
		t.Fatal("inline path should be usable again without a new entry")
	}
	e.lt.UnlockEphemeralExclusive(key, hei)
}

func testNoLeak(t *testing.T, e *env) {
	s := e.session(t)
	kinds := []func(key []byte, hei *hashindex.HashEntryInfo) (bool, func()){
		func(key []byte, hei *hashindex.HashEntryInfo) (bool, func()) {
			return e.lt.TryLockEphemeralShared(key, hei), func() { e.lt.UnlockEphemeralShared(key, hei) }
		},
		func(key []byte, hei *hashindex.HashEntryInfo) (bool, func()) {
			return e.lt.TryLockEphemeralExclusive(key, hei), func() { e.lt.UnlockEphemeralExclusive(key, hei) }
		},
		func(key []byte, hei *hashindex.HashEntryInfo) (bool, func()) {
			return e.lt.TryLockManual(key, hei, locktable.LockShared), func() { e.lt.UnlockManual(key, hei, locktable.LockShared) }
		},
		func(key []byte, hei *hashindex.HashEntryInfo) (bool, func()) {
			return e.lt.TryLockManual(key, hei, locktable.LockExclusive), func() { e.lt.UnlockManual(key, hei, locktable.LockExclusive) }
		},
	}

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("leak-%d", i%7))
		hei := s.hei(string(key))
		ok, unlock := kinds[i%len(kinds)](key, hei)
		if !ok {
			t.Fatalf("lock %d on a free key failed", i)
		}
		unlock()
		if e.lt.IsLocked(key, hei) || !hashindex.InlineFree(hei.Load()) {
			t.Fatalf("key %s still locked after unlock %d", key, i)
		}
	}
	if e.lt.OverflowEntries() != 0 {
		t.Fatalf("expected no overflow entries, got %d", e.lt.OverflowEntries())
	}
	waitFor(t, s.h, func() bool {
		info := e.lt.GetInfo()
		return info.ArenaFree == info.ArenaSlots
	})
}

func testIdempotentObservability(t *testing.T, e *env) {
	s := e.session(t)
	key := []byte("obs")
	hei := s.hei("obs")

	e.lt.TryLockManual(key, hei, locktable.LockShared)
	e.lt.TryLockEphemeralShared(key, hei)

	first := e.lt.GetLockState(key, hei)
	for i := 0; i < 10; i++ {
		if got := e.lt.GetLockState(key, hei); got != first {
			t.Fatalf("state changed without lock operations: %+v -> %+v", first, got)
		}
		if !e.lt.IsLockedShared(key, hei) || e.lt.IsLockedExclusive(key, hei) || !e.lt.IsLocked(key, hei) {
			t.Fatal("queries changed without lock operations")
		}
	}

	e.lt.UnlockEphemeralShared(key, hei)
	e.lt.UnlockManual(key, hei, locktable.LockShared)
}

func testUnprotectedHandle(t *testing.T, e *env) {
	s := e.session(t)
	key := []byte("u")
	hei := s.hei("u")
	s.h.Unprotect()

	if !e.lt.TryLockManual(key, hei, locktable.LockExclusive) {
		t.Fatal("lock with an unprotected handle should succeed")
	}
	if s.h.IsProtected() {
		t.Fatal("the lock table must restore the unprotected state")
	}
	if !e.lt.IsLockedExclusive(key, hei) {
		t.Fatal("lock should be visible")
	}
	e.lt.UnlockManual(key, hei, locktable.LockExclusive)
	if e.lt.IsLocked(key, hei) {
		t.Fatal("lock should be released")
	}
}

func testStaleDescriptor(t *testing.T, e *env) {
	s := e.session(t)
	key := []byte("stale")
	hei := s.hei("stale")
	e.ix.TryUpdateAddress(hei, hashindex.FirstValidAddress)

	if n := e.ix.EvictBelow(s.h, hashindex.FirstValidAddress+1); n != 1 {
		t.Fatalf("expected the slot to be evicted, got %d", n)
	}
	if !hei.IsStale() {
		t.Fatal("descriptor should be stale")
	}

	if !e.lt.TryLockEphemeralExclusive(key, hei) {
		t.Fatal("lock through a stale descriptor should re-resolve and succeed")
	}
	if hei.IsStale() || !hei.IsUnresolved() {
		t.Fatal("descriptor should point to the new slot")
	}
	e.lt.UnlockEphemeralExclusive(key, hei)
}

func testContractViolations(t *testing.T, e *env) {
	s := e.session(t)
	key := []byte("v")
	hei := s.hei("v")

	t.Run("unlock without lock", func(t *testing.T) {
		expectViolation(t, func() { e.lt.UnlockEphemeralShared(key, hei) })
		expectViolation(t, func() { e.lt.UnlockEphemeralExclusive(key, hei) })
		expectViolation(t, func() { e.lt.UnlockManual(key, hei, locktable.LockExclusive) })
	})

	t.Run("unlock of the wrong kind", func(t *testing.T) {
		if !e.lt.TryLockManual(key, hei, locktable.LockShared) {
			t.Fatal("manual shared should succeed")
		}
		expectViolation(t, func() { e.lt.UnlockManual(key, hei, locktable.LockExclusive) })
		expectViolation(t, func() { e.lt.UnlockEphemeralShared(key, hei) })
		e.lt.UnlockManual(key, hei, locktable.LockShared)
		expectViolation(t, func() { e.lt.UnlockManual(key, hei, locktable.LockShared) })
	})

	t.Run("released handle", func(t *testing.T) {
		other := e.session(t)
		otherHei := other.hei("v")
		other.close()
		expectViolation(t, func() { e.lt.TryLockEphemeralShared(key, otherHei) })
		defer func() {
			r := recover()
			err, ok := r.(error)
			if !ok || !errors.Is(err, epoch.ErrHandleReleased) {
				t.Fatalf("violation should name the released handle, got %v", r)
			}
		}()
		e.lt.IsLocked(key, otherHei)
	})

	if e.lt.IsLocked(key, hei) {
		t.Fatal("violations must not change the lock state")
	}
}

// testMutualExclusion runs random lock operations on a few hot keys and checks
// the holders observed inside the critical sections.
func testMutualExclusion(t *testing.T, e *env) {
	const workers = 8
	const opsPerWorker = 2000
	const keys = 4

	type shadow struct {
		exclusive atomic.Int32
		shared    atomic.Int32
	}
	shadows := make([]shadow, keys)
	var violations atomic.Int32

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			s := e.session(t)
			defer s.close()
			rng := rand.New(rand.NewSource(seed))

			for i := 0; i < opsPerWorker; i++ {
				if i%64 == 0 {
					s.h.Refresh()
				}
				k := rng.Intn(keys)
				key := []byte(fmt.Sprintf("hot-%d", k))
				hei := s.hei(string(key))
				sh := &shadows[k]
				manual := rng.Intn(2) == 0
				exclusive := rng.Intn(3) == 0

				var ok bool
				switch {
				case manual && exclusive:
					ok = e.lt.TryLockManual(key, hei, locktable.LockExclusive)
				case manual:
					ok = e.lt.TryLockManual(key, hei, locktable.LockShared)
				case exclusive:
					ok = e.lt.TryLockEphemeralExclusive(key, hei)
				default:
					ok = e.lt.TryLockEphemeralShared(key, hei)
				}
				if !ok {
					continue
				}

				if exclusive {
					if sh.exclusive.Add(1) != 1 || sh.shared.Load() != 0 {
						violations.Add(1)
					}
					sh.exclusive.Add(-1)
				} else {
					sh.shared.Add(1)
					if sh.exclusive.Load() != 0 {
						violations.Add(1)
					}
					sh.shared.Add(-1)
				}

				switch {
				case manual && exclusive:
					e.lt.UnlockManual(key, hei, locktable.LockExclusive)
				case manual:
					e.lt.UnlockManual(key, hei, locktable.LockShared)
				case exclusive:
					e.lt.UnlockEphemeralExclusive(key, hei)
				default:
					e.lt.UnlockEphemeralShared(key, hei)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	if v := violations.Load(); v != 0 {
		t.Fatalf("observed %d mutual exclusion violations", v)
	}

	s := e.session(t)
	for k := 0; k < keys; k++ {
		key := fmt.Sprintf("hot-%d", k)
		expectState(t, e.lt, key, s.hei(key), locktable.LockState{})
	}
	if e.lt.OverflowEntries() != 0 {
		t.Fatalf("expected no overflow entries after the run, got %d", e.lt.OverflowEntries())
	}
}

func testSharedCompatibility(t *testing.T, e *env) {
	const holders = 16
	key := []byte("shared")

	var wg sync.WaitGroup
	var held atomic.Int32
	release := make(chan struct{})
	ready := make(chan struct{}, holders)

	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := e.session(t)
			defer s.close()
			hei := s.hei("shared")

			manual := i%2 == 0
			var ok bool
			for !ok {
				if manual {
					ok = e.lt.TryLockManual(key, hei, locktable.LockShared)
				} else {
					ok = e.lt.TryLockEphemeralShared(key, hei)
				}
			}
			held.Add(1)
			ready <- struct{}{}
			<-release

			if manual {
				e.lt.UnlockManual(key, hei, locktable.LockShared)
			} else {
				e.lt.UnlockEphemeralShared(key, hei)
			}
		}(i)
	}

	for i := 0; i < holders; i++ {
		<-ready
	}
	s := e.session(t)
	hei := s.hei("shared")
	st := e.lt.GetLockState(key, hei)
	if st.SharedHolderCount != holders || st.ExclusiveHolders != 0 || !st.EphemeralActive {
		t.Fatalf("expected %d shared holders, got %+v", holders, st)
	}
	if e.lt.TryLockEphemeralExclusive(key, hei) || e.lt.TryLockManual(key, hei, locktable.LockExclusive) {
		t.Fatal("exclusive must fail while shared holders exist")
	}
	close(release)
	wg.Wait()

	expectState(t, e.lt, "shared", hei, locktable.LockState{})
}
