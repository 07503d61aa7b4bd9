package util

import "testing"

func TestMapHeapOrder(t *testing.T) {
	h := NewMapHeap()
	h.AddItem(1, 30)
	h.AddItem(2, 10)
	h.AddItem(3, 20)

	want := []uint64{2, 3, 1}
	for i, w := range want {
		k, _, ok := h.PopMin()
		if !ok {
			t.Fatalf("pop %d: heap empty", i)
		}
		if k != w {
			t.Errorf("pop %d: expected key %d, got %d", i, w, k)
		}
	}
	if _, _, ok := h.PopMin(); ok {
		t.Error("heap should be empty")
	}
}

func TestMapHeapUpdateAndRemove(t *testing.T) {
	h := NewMapHeap()
	h.AddItem(1, 5)
	h.AddItem(2, 6)

	t.Run("update moves item", func(t *testing.T) {
		h.AddItem(2, 1)
		k, p, ok := h.Peek()
		if !ok || k != 2 || p != 1 {
			t.Errorf("expected (2,1), got (%d,%d,%v)", k, p, ok)
		}
		if h.Len() != 2 {
			t.Errorf("update must not add a second item, len=%d", h.Len())
		}
	})

	t.Run("remove by key", func(t *testing.T) {
		p, ok := h.RemoveByKey(2)
		if !ok || p != 1 {
			t.Errorf("expected removed priority 1, got %d (%v)", p, ok)
		}
		if h.Contains(2) {
			t.Error("key 2 should be gone")
		}
		if _, ok := h.RemoveByKey(2); ok {
			t.Error("second remove should report missing")
		}
		if p, ok := h.GetPriority(1); !ok || p != 5 {
			t.Errorf("key 1 should keep priority 5, got %d", p)
		}
	})
}

func TestMapHeapPopWhile(t *testing.T) {
	h := NewMapHeap()
	for i := uint64(0); i < 10; i++ {
		h.AddItem(i, i*2)
	}

	var popped []uint64
	n := h.PopWhile(7, func(key, priority uint64) {
		if priority > 7 {
			t.Errorf("popped priority %d above limit", priority)
		}
		popped = append(popped, key)
	})
	if n != 4 || len(popped) != 4 {
		t.Fatalf("expected 4 popped items, got %d", n)
	}
	for i, k := range popped {
		if k != uint64(i) {
			t.Errorf("expected key %d at position %d, got %d", i, i, k)
		}
	}
	if h.Len() != 6 {
		t.Errorf("expected 6 remaining, got %d", h.Len())
	}
	if n := h.PopWhile(0, nil); n != 0 {
		t.Errorf("nothing should be ready at limit 0, popped %d", n)
	}
}
