package store

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hlock/lib/hashindex"
)

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// record is one entry of the log. Records at or above the read-only address
// are updated in place under an exclusive lock, records below it never change.
type record struct {
	key       string
	value     []byte
	tombstone bool
}

// --------------------------------------------------------------------------
// Log
// --------------------------------------------------------------------------

type page struct {
	records []atomic.Pointer[record]
}

// recordLog is the append-only log. Addresses grow from
// hashindex.FirstValidAddress; the address of a record never changes.
//
//	begin <= head <= readOnly <= tail
//	[begin, head)     on "disk", read through pending I/O
//	[head, readOnly)  in memory, read-only
//	[readOnly, tail)  in memory, mutable
type recordLog struct {
	pageBits uint
	pageMask uint64
	pages    []atomic.Pointer[page]
	grow     sync.Mutex

	begin    atomic.Uint64
	head     atomic.Uint64
	readOnly atomic.Uint64
	tail     atomic.Uint64
}

func newRecordLog(pageBits uint, maxPages int) *recordLog {
	l := &recordLog{
		pageBits: pageBits,
		pageMask: 1<<pageBits - 1,
		pages:    make([]atomic.Pointer[page], maxPages),
	}
	l.begin.Store(hashindex.FirstValidAddress)
	l.head.Store(hashindex.FirstValidAddress)
	l.readOnly.Store(hashindex.FirstValidAddress)
	l.tail.Store(hashindex.FirstValidAddress)
	return l
}

func (l *recordLog) locate(address uint64) (pageIdx, slot uint64) {
	off := address - hashindex.FirstValidAddress
	return off >> l.pageBits, off & l.pageMask
}

// append stores rec at the tail and returns its address.
//
// Thread-safety: safe for concurrent use. The record is visible to get before
// append returns, publishing its address is up to the caller.
func (l *recordLog) append(rec *record) (uint64, error) {
	address := l.tail.Add(1) - 1
	p, s := l.locate(address)
	if p >= uint64(len(l.pages)) {
		return 0, ErrLogFull
	}
	pg := l.pages[p].Load()
	if pg == nil {
		l.grow.Lock()
		if pg = l.pages[p].Load(); pg == nil {
			pg = &page{records: make([]atomic.Pointer[record], 1<<l.pageBits)}
			l.pages[p].Store(pg)
		}
		l.grow.Unlock()
	}
	pg.records[s].Store(rec)
	return address, nil
}

// get returns the record at address, nil if it was truncated or never written.
func (l *recordLog) get(address uint64) *record {
	if address < hashindex.FirstValidAddress || address >= l.tail.Load() {
		return nil
	}
	p, s := l.locate(address)
	if p >= uint64(len(l.pages)) {
		return nil
	}
	pg := l.pages[p].Load()
	if pg == nil {
		return nil
	}
	return pg.records[s].Load()
}

// raise moves a to address if address is larger and returns the new value.
func raise(a *atomic.Uint64, address uint64) uint64 {
	for {
		cur := a.Load()
		if address <= cur {
			return cur
		}
		if a.CompareAndSwap(cur, address) {
			return address
		}
	}
}

// clamp caps address at the tail.
func (l *recordLog) clamp(address uint64) uint64 {
	if t := l.tail.Load(); address > t {
		return t
	}
	return address
}

// truncate drops every page that lies completely below begin. Must only run
// once no protected reader can still observe an address below begin.
func (l *recordLog) truncate(begin uint64) int {
	last, _ := l.locate(begin)
	dropped := 0
	for p := uint64(0); p < last && p < uint64(len(l.pages)); p++ {
		if l.pages[p].Swap(nil) != nil {
			dropped++
		}
	}
	return dropped
}

// pageCount returns the number of allocated pages.
func (l *recordLog) pageCount() int {
	n := 0
	for i := range l.pages {
		if l.pages[i].Load() != nil {
			n++
		}
	}
	return n
}
