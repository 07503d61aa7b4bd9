package util

import (
	"container/heap"
	"strconv"
)

// --------------------------------------------------------------------------
// MapHeap
// --------------------------------------------------------------------------

// MapHeap is a min-heap of (key, priority) pairs with O(1) access by key.
//
// The epoch sweeper keys it by the arena index of a pending drain action and
// uses the captured epoch as priority, so the next action that may become
// ready is always at the top:
//
//	h := NewMapHeap()
//	h.AddItem(idx, epoch)
//	h.PopWhile(safeEpoch, func(idx, epoch uint64) { run(idx) })
//
// Thread-safety: MapHeap is not safe for concurrent use, callers synchronize externally.
type MapHeap struct {
	items    []*item
	itemsMap map[uint64]*item
}

type item struct {
	Key      uint64
	Priority uint64
	index    int
}

func (i *item) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// NewMapHeap creates an empty heap.
func NewMapHeap() *MapHeap {
	return &MapHeap{
		items:    make([]*item, 0),
		itemsMap: make(map[uint64]*item),
	}
}

// heap.Interface

func (h *MapHeap) Len() int { return len(h.items) }

func (h *MapHeap) Less(i, j int) bool {
	if h.items[i].Priority == h.items[j].Priority {
		return h.items[i].Key < h.items[j].Key
	}
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap) Push(x any) {
	it := x.(*item)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *MapHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// AddItem inserts key with the given priority or updates the priority of an existing key.
func (h *MapHeap) AddItem(key, priority uint64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &item{Key: key, Priority: priority})
}

// RemoveByKey removes key and returns its priority.
func (h *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the key and priority of the minimum item without removing it.
func (h *MapHeap) Peek() (key, priority uint64, ok bool) {
	if len(h.items) == 0 {
		return 0, 0, false
	}
	return h.items[0].Key, h.items[0].Priority, true
}

// PopMin removes and returns the minimum item.
func (h *MapHeap) PopMin() (key, priority uint64, ok bool) {
	if len(h.items) == 0 {
		return 0, 0, false
	}
	it := heap.Pop(h).(*item)
	return it.Key, it.Priority, true
}

// PopWhile pops every item with priority <= limit in priority order and calls fn for each.
// Returns the number of popped items.
func (h *MapHeap) PopWhile(limit uint64, fn func(key, priority uint64)) int {
	n := 0
	for len(h.items) > 0 && h.items[0].Priority <= limit {
		it := heap.Pop(h).(*item)
		n++
		if fn != nil {
			fn(it.Key, it.Priority)
		}
	}
	return n
}

// Contains reports whether key is queued.
func (h *MapHeap) Contains(key uint64) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetPriority returns the priority of key.
func (h *MapHeap) GetPriority(key uint64) (uint64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	return it.Priority, true
}
