package locktable

import (
	"testing"
	"time"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
)

func TestStateWord(t *testing.T) {
	t.Run("grant rules", func(t *testing.T) {
		s, ok := grant(0, manualShared)
		if !ok || manualSharedCount(s) != 1 {
			t.Fatal("manual shared on empty state")
		}
		if _, ok := grant(s, manualExclusive); ok {
			t.Fatal("exclusive requires an empty state")
		}
		if _, ok := grant(s, ephemeralExclusive); ok {
			t.Fatal("ephemeral exclusive requires an empty state")
		}
		s, ok = grant(s, ephemeralShared)
		if !ok || ephemeralSharedCount(s) != 1 {
			t.Fatal("shared kinds coexist")
		}
		st := stateOf(s)
		if st.SharedHolderCount != 2 || !st.EphemeralActive || st.ExclusiveHolders != 0 {
			t.Fatalf("unexpected state %+v", st)
		}
	})

	t.Run("exclusive blocks shared", func(t *testing.T) {
		s, _ := grant(0, manualExclusive)
		if _, ok := grant(s, ephemeralShared); ok {
			t.Fatal("shared must fail under exclusive")
		}
		if st := stateOf(s); st.ExclusiveHolders != 1 || st.EphemeralActive {
			t.Fatalf("unexpected state %+v", st)
		}
	})

	t.Run("saturation", func(t *testing.T) {
		s := uint64(maxHolders) << manualSharedShift
		if _, ok := grant(s, manualShared); ok {
			t.Fatal("count must not overflow into the next field")
		}
		if _, ok := grant(s, ephemeralShared); !ok {
			t.Fatal("ephemeral count is independent")
		}
	})

	t.Run("revoke underflow", func(t *testing.T) {
		for _, k := range []holder{manualShared, manualExclusive, ephemeralShared, ephemeralExclusive} {
			if _, ok := revoke(0, k); ok {
				t.Errorf("revoking %s from an empty state must fail", k)
			}
		}
	})

	t.Run("sealed", func(t *testing.T) {
		var e overflowEntry
		if !e.seal() {
			t.Fatal("empty entry should seal")
		}
		if ok, sealed := e.tryGrant(ephemeralShared); ok || !sealed {
			t.Fatal("sealed entry must not be granted")
		}
		if !stateOf(e.state.Load()).IsZero() {
			t.Fatal("sealed entry reports a zero state")
		}
	})
}

func TestArenaReuse(t *testing.T) {
	var a arena
	first := a.alloc()
	second := a.alloc()
	if first == second || first.idx == second.idx {
		t.Fatal("distinct allocations")
	}
	gen := first.generation.Load()
	a.release(first)
	if first.generation.Load() != gen+1 {
		t.Fatal("release bumps the generation")
	}
	if again := a.alloc(); again != first {
		t.Fatal("released slot should be reused")
	}
	for i := 0; i < arenaChunkSize; i++ {
		a.alloc()
	}
	if slots, free := a.stats(); slots != arenaChunkSize+2 || free != 0 {
		t.Fatalf("unexpected arena stats %d/%d", slots, free)
	}
}

// TestEpochSafeRemoval pins one reader and checks that an entry removed while
// it is protected keeps its memory until the reader moves on.
func TestEpochSafeRemoval(t *testing.T) {
	ep := epoch.NewEpoch(&epoch.Options{SweepInterval: time.Millisecond})
	defer ep.Close()
	ix := hashindex.New(ep, nil)
	lt := NewLockTable(ep, nil).(*lockTableImpl)

	writer, _ := ep.Register()
	reader, _ := ep.Register()
	defer writer.Release()
	defer reader.Release()

	key := []byte("pinned")
	writer.ProtectAndGetEpoch()
	hei := ix.Resolve(writer, key)
	if !lt.TryLockManual(key, &hei, LockShared) {
		t.Fatal("lock failed")
	}

	// the reader captures a raw reference to the entry
	reader.ProtectAndGetEpoch()
	entry, ok := lt.entries.Load(keyOf(key, &hei))
	if !ok {
		t.Fatal("entry should exist")
	}
	gen := entry.generation.Load()

	lt.UnlockManual(key, &hei, LockShared)
	writer.Unprotect()
	if lt.OverflowEntries() != 0 {
		t.Fatal("entry should be unlinked immediately")
	}

	for i := 0; i < 20; i++ {
		ep.Drain()
		time.Sleep(time.Millisecond)
	}
	if entry.generation.Load() != gen {
		t.Fatal("entry reclaimed while a reader is still protected")
	}
	if !entry.sealed() {
		t.Fatal("removed entry must stay sealed for late readers")
	}
	if ok, sealed := entry.tryGrant(manualShared); ok || !sealed {
		t.Fatal("a late reader must see the seal and retry")
	}

	reader.Refresh()
	deadline := time.Now().Add(2 * time.Second)
	for entry.generation.Load() == gen {
		if time.Now().After(deadline) {
			t.Fatal("entry never reclaimed")
		}
		reader.Refresh()
		time.Sleep(time.Millisecond)
	}
	reader.Unprotect()
}
