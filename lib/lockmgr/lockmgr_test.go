package lockmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/locktable"
	"github.com/ValentinKolb/hlock/lib/store"
)

func newTestManager(t *testing.T) (ILockManager, store.IStore) {
	t.Helper()
	st := store.NewStore(&store.Options{
		EpochOptions: &epoch.Options{SweepInterval: time.Millisecond},
	})
	mgr := NewLockManager(st)
	t.Cleanup(func() {
		_ = mgr.Close()
		_ = st.Close()
	})
	return mgr, st
}

func TestAcquireRelease(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()

	t.Run("Exclusive", func(t *testing.T) {
		ok, owner, err := mgr.AcquireLock(ctx, "res", locktable.LockExclusive, 0)
		if err != nil || !ok || len(owner) != ownerIDBytes {
			t.Fatalf("AcquireLock = %v, %d byte owner, %v", ok, len(owner), err)
		}
		ok, other, err := mgr.AcquireLock(ctx, "res", locktable.LockExclusive, 10*time.Millisecond)
		if err != nil || ok || other != nil {
			t.Errorf("second AcquireLock = %v, %v, %v, want a timeout", ok, other, err)
		}
		if ok, err := mgr.ReleaseLock("res", owner); !ok || err != nil {
			t.Errorf("ReleaseLock = %v, %v", ok, err)
		}
		// releasing again is fine, the owner holds nothing
		if ok, err := mgr.ReleaseLock("res", owner); !ok || err != nil {
			t.Errorf("second ReleaseLock = %v, %v", ok, err)
		}
	})

	t.Run("Shared", func(t *testing.T) {
		var owners [][]byte
		for i := 0; i < 3; i++ {
			ok, owner, err := mgr.AcquireLock(ctx, "shared", locktable.LockShared, 0)
			if !ok || err != nil {
				t.Fatalf("AcquireLock %d = %v, %v", i, ok, err)
			}
			owners = append(owners, owner)
		}
		if bytes.Equal(owners[0], owners[1]) {
			t.Errorf("owner IDs are not unique")
		}
		if ok, _, _ := mgr.AcquireLock(ctx, "shared", locktable.LockExclusive, 0); ok {
			t.Errorf("exclusive lock granted next to shared holders")
		}
		if mgr.Owners() != 3 {
			t.Errorf("Owners() = %d, want 3", mgr.Owners())
		}
		for _, o := range owners {
			if ok, err := mgr.ReleaseLock("shared", o); !ok || err != nil {
				t.Errorf("ReleaseLock = %v, %v", ok, err)
			}
		}
	})

	t.Run("OwnerMismatch", func(t *testing.T) {
		_, owner, _ := mgr.AcquireLock(ctx, "mine", locktable.LockExclusive, 0)
		ok, err := mgr.ReleaseLock("not-mine", owner)
		if ok || !errors.Is(err, ErrOwnerMismatch) {
			t.Errorf("ReleaseLock of a foreign key = %v, %v", ok, err)
		}
		if n, err := mgr.ReleaseAll(owner); n != 1 || err != nil {
			t.Errorf("ReleaseAll = %d, %v", n, err)
		}
	})

	t.Run("WaitsForRelease", func(t *testing.T) {
		_, owner, _ := mgr.AcquireLock(ctx, "wait", locktable.LockExclusive, 0)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = mgr.ReleaseLock("wait", owner)
		}()
		ok, next, err := mgr.AcquireLock(ctx, "wait", locktable.LockExclusive, 5*time.Second)
		if !ok || err != nil {
			t.Fatalf("AcquireLock = %v, %v", ok, err)
		}
		_, _ = mgr.ReleaseLock("wait", next)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		_, owner, _ := mgr.AcquireLock(ctx, "cancel", locktable.LockExclusive, 0)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, _, err := mgr.AcquireLock(cctx, "cancel", locktable.LockExclusive, time.Second)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("AcquireLock with canceled context = %v", err)
		}
		_, _ = mgr.ReleaseLock("cancel", owner)
	})

	t.Run("NoKeys", func(t *testing.T) {
		if _, _, err := mgr.AcquireMany(ctx, nil, locktable.LockShared, 0); !errors.Is(err, ErrNoKeys) {
			t.Errorf("AcquireMany without keys = %v", err)
		}
	})

	if mgr.Owners() != 0 || st.LockTable().OverflowEntries() != 0 {
		t.Errorf("locks left: %d owners, %d overflow entries", mgr.Owners(), st.LockTable().OverflowEntries())
	}
}

func TestAcquireMany(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()

	_, blocker, _ := mgr.AcquireLock(ctx, "c", locktable.LockExclusive, 0)
	ok, _, err := mgr.AcquireMany(ctx, []string{"a", "b", "c"}, locktable.LockExclusive, 10*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("AcquireMany over a held key = %v, %v", ok, err)
	}
	// nothing of the failed attempt stays locked
	for _, k := range []string{"a", "b"} {
		ok, owner, _ := mgr.AcquireLock(ctx, k, locktable.LockExclusive, 0)
		if !ok {
			t.Errorf("key %s still locked after failed AcquireMany", k)
		}
		_, _ = mgr.ReleaseLock(k, owner)
	}
	_, _ = mgr.ReleaseLock("c", blocker)

	ok, owner, err := mgr.AcquireMany(ctx, []string{"a", "b", "a", "c"}, locktable.LockExclusive, 0)
	if !ok || err != nil {
		t.Fatalf("AcquireMany = %v, %v", ok, err)
	}
	if n, _ := mgr.ReleaseAll(owner); n != 3 {
		t.Errorf("ReleaseAll = %d, want 3 (duplicates merged)", n)
	}
	if st.LockTable().OverflowEntries() != 0 {
		t.Errorf("%d overflow entries left", st.LockTable().OverflowEntries())
	}
}

// TestConcurrentAcquireMany takes overlapping key sets in different orders
// from many goroutines. Because of the global order none of them deadlock and
// the counter of every critical section sees no concurrent holder.
func TestConcurrentAcquireMany(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	sets := [][]string{{"x", "y", "z"}, {"z", "y"}, {"y", "x"}, {"z", "x", "y"}}

	var (
		wg     sync.WaitGroup
		inside atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys := sets[i%len(sets)]
			for r := 0; r < 100; r++ {
				ok, owner, err := mgr.AcquireMany(ctx, keys, locktable.LockExclusive, 10*time.Second)
				if !ok || err != nil {
					t.Errorf("AcquireMany = %v, %v", ok, err)
					return
				}
				// every set contains y
				if n := inside.Add(1); n != 1 {
					t.Errorf("%d holders of y", n)
				}
				inside.Add(-1)
				if n, err := mgr.ReleaseAll(owner); n != len(keys) || err != nil {
					t.Errorf("ReleaseAll = %d, %v", n, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

// TestBlocksStoreOperations checks that lock manager locks exclude record
// operations on the same store.
func TestBlocksStoreOperations(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	s, err := st.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, owner, _ := mgr.AcquireLock(ctx, "row", locktable.LockExclusive, 0)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := s.Upsert(short, []byte("row"), []byte("v")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Upsert on a locked key = %v", err)
	}
	_, _ = mgr.ReleaseLock("row", owner)
	if _, err := s.Upsert(ctx, []byte("row"), []byte("v")); err != nil {
		t.Errorf("Upsert after release: %v", err)
	}
}

func TestMetricsAndClose(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, owner, _ := mgr.AcquireLock(ctx, "m", locktable.LockExclusive, 0)
	_, _, _ = mgr.AcquireLock(ctx, "m", locktable.LockExclusive, 0)
	_, _ = mgr.ReleaseLock("m", owner)

	var buf bytes.Buffer
	mgr.WritePrometheus(&buf)
	for _, line := range []string{
		"hlock_lockmgr_acquired_total 1",
		"hlock_lockmgr_timeouts_total 1",
		"hlock_lockmgr_released_total 1",
		"hlock_lockmgr_owners 0",
	} {
		if !strings.Contains(buf.String(), line) {
			t.Errorf("metrics output misses %q:\n%s", line, buf.String())
		}
	}

	if err := mgr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v", err)
	}
	if _, _, err := mgr.AcquireLock(ctx, "m", locktable.LockShared, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("AcquireLock after Close = %v", err)
	}
}

func TestGlobalOrder(t *testing.T) {
	_, st := newTestManager(t)
	ix := st.Index()
	keys := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		keys = append(keys, fmt.Sprintf("k%d", i))
	}
	a := globalOrder(ix, keys)
	reversed := make([]string, 0, len(keys)+1)
	for i := len(keys) - 1; i >= 0; i-- {
		reversed = append(reversed, keys[i])
	}
	reversed = append(reversed, keys[0])
	b := globalOrder(ix, reversed)
	if len(a) != 50 || fmt.Sprint(a) != fmt.Sprint(b) {
		t.Errorf("order depends on input order:\n%v\n%v", a, b)
	}
	for i := 1; i < len(a); i++ {
		if ix.Hash([]byte(a[i-1])) > ix.Hash([]byte(a[i])) {
			t.Errorf("keys not sorted by hash at %d", i)
		}
	}
}
