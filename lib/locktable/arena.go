package locktable

import "sync"

const arenaChunkSize = 256

// arena hands out overflow entries from fixed chunks so entry pointers stay
// valid for the lifetime of the lock table. Entries are returned to the free
// list only from epoch drain actions.
type arena struct {
	mu     sync.Mutex
	chunks []*[arenaChunkSize]overflowEntry
	free   []uint32
	used   uint32
}

func (a *arena) alloc() *overflowEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = a.used
		a.used++
		if int(idx/arenaChunkSize) == len(a.chunks) {
			a.chunks = append(a.chunks, new([arenaChunkSize]overflowEntry))
		}
	}
	e := a.at(idx)
	e.idx = idx
	e.state.Store(0)
	e.refs.Store(0)
	return e
}

// release returns e to the free list and bumps its generation.
func (a *arena) release(e *overflowEntry) {
	e.generation.Add(1)
	a.mu.Lock()
	a.free = append(a.free, e.idx)
	a.mu.Unlock()
}

func (a *arena) at(idx uint32) *overflowEntry {
	return &a.chunks[idx/arenaChunkSize][idx%arenaChunkSize]
}

func (a *arena) stats() (slots, free int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.used), len(a.free)
}
