package hashindex

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/hlock/lib/epoch"
)

func setup(t *testing.T, buckets uint64) (*Index, *epoch.Handle) {
	t.Helper()
	ep := epoch.NewEpoch(&epoch.Options{SweepInterval: time.Millisecond})
	h, err := ep.Register()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if h.IsProtected() {
			h.Unprotect()
		}
		h.Release()
		_ = ep.Close()
	})
	h.ProtectAndGetEpoch()
	return New(ep, &Options{Buckets: buckets, Seed: 42}), h
}

func TestWordLayout(t *testing.T) {
	w := MakeWord(0x3FFF, 1234)
	if Tag(w) != 0x3FFF || Address(w) != 1234 {
		t.Fatalf("unexpected decode tag=%x addr=%d", Tag(w), Address(w))
	}
	if !InlineFree(w) {
		t.Error("fresh word has no lock bits")
	}
	if !InlineExclusive(w|ExclusiveBit) || InlineShared(w|ExclusiveBit) {
		t.Error("exclusive bit misdecoded")
	}
	if !InlineShared(w|SharedBit) || InlineOverflow(w|SharedBit) {
		t.Error("shared bit misdecoded")
	}
	if !InlineOverflow(w | LockBits) {
		t.Error("both bits should mean overflow")
	}
	moved := WithAddress(w|ExclusiveBit, 99)
	if Address(moved) != 99 || Tag(moved) != 0x3FFF || !InlineExclusive(moved) {
		t.Error("WithAddress must keep tag and lock bits")
	}
	if !IsRetired(0) || !IsRetired(MakeWord(1, RetiredAddress)) || IsRetired(w) {
		t.Error("retired detection")
	}
}

func TestResolve(t *testing.T) {
	ix, h := setup(t, 4)

	t.Run("creates unresolved slot", func(t *testing.T) {
		hei := ix.Resolve(h, []byte("a"))
		if !hei.IsValid() || !hei.IsUnresolved() || !InlineFree(hei.Word) {
			t.Fatalf("unexpected new descriptor word %x", hei.Word)
		}
		if hei.Key() != "a" || hei.Handle() != h || hei.Index() != ix {
			t.Error("descriptor accessors")
		}
		if hei.Tag != Tag(hei.Word) {
			t.Error("descriptor tag must match word tag")
		}
	})

	t.Run("same key same slot", func(t *testing.T) {
		a := ix.Resolve(h, []byte("a"))
		b := ix.Resolve(h, []byte("a"))
		if a.slot != b.slot {
			t.Error("resolving a key twice must return the same slot")
		}
		if found, ok := ix.Find(h, []byte("a")); !ok || found.slot != a.slot {
			t.Error("find should return the existing slot")
		}
		if _, ok := ix.Find(h, []byte("missing")); ok {
			t.Error("find must not create")
		}
	})

	t.Run("chains overflow buckets", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			ix.Resolve(h, []byte(fmt.Sprintf("key-%d", i)))
		}
		info := ix.GetInfo()
		if info.Keys != 201 || info.SlotsUsed != 201 {
			t.Errorf("expected 201 keys and slots, got %d / %d", info.Keys, info.SlotsUsed)
		}
		if info.OverflowBuckets == 0 {
			t.Error("4 buckets cannot hold 201 slots without overflow buckets")
		}
		if info.ChainLength.Mean == 0 {
			t.Error("chain length stats should be filled")
		}
	})
}

func TestResolveConcurrentSameKey(t *testing.T) {
	ix, _ := setup(t, 16)
	ep := ix.Epoch()

	results := make([]HashEntryInfo, 8)
	var wg sync.WaitGroup
	for g := range results {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			h, err := ep.Register()
			if err != nil {
				t.Error(err)
				return
			}
			defer h.Release()
			h.ProtectAndGetEpoch()
			results[g] = ix.Resolve(h, []byte("shared"))
			h.Unprotect()
		}(g)
	}
	wg.Wait()

	for _, r := range results[1:] {
		if r.slot != results[0].slot {
			t.Fatal("concurrent resolves of one key must agree on the slot")
		}
	}
	if ix.Size() != 1 {
		t.Fatalf("expected 1 key, got %d", ix.Size())
	}
}

func TestTryUpdate(t *testing.T) {
	ix, h := setup(t, 8)
	hei := ix.Resolve(h, []byte("k"))

	t.Run("slot cas", func(t *testing.T) {
		old := hei.Word
		if !ix.TryUpdateSlot(&hei, old, old|ExclusiveBit) {
			t.Fatal("cas on fresh snapshot should succeed")
		}
		if ix.TryUpdateSlot(&hei, old, old|SharedBit) {
			t.Fatal("cas on stale value must fail")
		}
		if !ix.TryUpdateSlot(&hei, hei.Word, old) {
			t.Fatal("restore failed")
		}
	})

	t.Run("address cas keeps lock bits", func(t *testing.T) {
		ix.TryUpdateSlot(&hei, hei.Word, hei.Word|SharedBit)
		if !ix.TryUpdateAddress(&hei, 100) {
			t.Fatal("address update failed")
		}
		if hei.Address() != 100 || !InlineShared(hei.Load()) {
			t.Fatalf("unexpected word %x", hei.Load())
		}

		stale := hei
		if !ix.TryUpdateAddress(&hei, 200) {
			t.Fatal("second update failed")
		}
		if ix.TryUpdateAddress(&stale, 300) {
			t.Fatal("update from a stale address must fail")
		}
		if stale.Address() != 200 {
			t.Error("failed update should refresh the snapshot")
		}
		ix.TryUpdateSlot(&hei, hei.Word, hei.Word&^LockBits)
	})
}

func TestEvictBelow(t *testing.T) {
	ix, h := setup(t, 8)
	ep := ix.Epoch()

	old := ix.Resolve(h, []byte("old"))
	ix.TryUpdateAddress(&old, 100)
	locked := ix.Resolve(h, []byte("locked"))
	ix.TryUpdateAddress(&locked, 100)
	ix.TryUpdateSlot(&locked, locked.Word, locked.Word|ExclusiveBit)
	fresh := ix.Resolve(h, []byte("fresh"))
	ix.TryUpdateAddress(&fresh, 5000)
	unresolved := ix.Resolve(h, []byte("unresolved"))

	if n := ix.EvictBelow(h, 1000); n != 1 {
		t.Fatalf("expected 1 retired slot, got %d", n)
	}
	if !IsRetired(old.Load()) || !old.IsStale() {
		t.Fatal("evicted slot should be retired")
	}
	if _, ok := ix.Find(h, []byte("old")); ok {
		t.Error("evicted key must leave the directory")
	}
	for _, hei := range []HashEntryInfo{locked, fresh, unresolved} {
		if _, ok := ix.Find(h, []byte(hei.Key())); !ok {
			t.Errorf("key %q should survive eviction", hei.Key())
		}
	}

	// the slot stays retired while this handle is protected
	for i := 0; i < 10; i++ {
		ep.Drain()
	}
	if old.Load() == 0 {
		t.Fatal("slot reclaimed while a reader is protected")
	}

	again := ix.Resolve(h, []byte("old"))
	if again.slot == old.slot || !again.IsUnresolved() {
		t.Error("re-resolving an evicted key creates a new slot")
	}

	h.Refresh()
	deadline := time.Now().Add(2 * time.Second)
	for old.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("retired slot never reclaimed")
		}
		h.Refresh()
		time.Sleep(time.Millisecond)
	}
}

func TestReleasedHandlePanics(t *testing.T) {
	ix, _ := setup(t, 8)
	h, _ := ix.Epoch().Register()
	h.Release()

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, epoch.ErrHandleReleased) {
			t.Fatalf("expected ErrHandleReleased panic, got %v", r)
		}
	}()
	ix.Resolve(h, []byte("k"))
}

func BenchmarkResolve(b *testing.B) {
	ep := epoch.NewEpoch(nil)
	defer ep.Close()
	ix := New(ep, &Options{Buckets: 1 << 12})

	keys := make([][]byte, 1024)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
	}

	b.RunParallel(func(pb *testing.PB) {
		h, _ := ep.Register()
		defer h.Release()
		h.ProtectAndGetEpoch()
		i := 0
		for pb.Next() {
			ix.Resolve(h, keys[i%len(keys)])
			i++
		}
		h.Unprotect()
	})
}
