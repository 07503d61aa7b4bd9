package locktable

import (
	"fmt"
	"runtime"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
	"github.com/ValentinKolb/hlock/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var plog = logger.GetLogger("locktable")

const defaultMaxInlineRetries = 8

// Options configures a lock table.
type Options struct {
	// MaxInlineRetries bounds the CAS retries on the inline bits before an
	// ephemeral lock falls back to the overflow path (default 8)
	MaxInlineRetries int
	// Seed mixes the overflow map hashes, 0 picks a random seed
	Seed uint64
}

// lockKey identifies the overflow entry of a key: its hash plus the key bytes.
type lockKey struct {
	hash uint64
	key  string
}

type lockTableImpl struct {
	epoch      epoch.IEpoch
	entries    *xsync.MapOf[lockKey, *overflowEntry]
	arena      arena
	maxRetries int
	metrics    *tableMetrics
}

// NewLockTable creates a lock table whose overflow entries are reclaimed through ep.
func NewLockTable(ep epoch.IEpoch, opts *Options) ILockTable {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.MaxInlineRetries <= 0 {
		o.MaxInlineRetries = defaultMaxInlineRetries
	}
	if o.Seed == 0 {
		o.Seed = util.GenerateSeed()
	}
	seed := o.Seed

	lt := &lockTableImpl{
		epoch: ep,
		// the key hash is already well mixed, the hasher only folds in the seed
		entries: xsync.NewMapOfWithHasher[lockKey, *overflowEntry](func(k lockKey, s uint64) uint64 {
			return k.hash ^ s ^ seed
		}),
		maxRetries: o.MaxInlineRetries,
	}
	lt.metrics = newTableMetrics(func() float64 { return float64(lt.entries.Size()) })
	return lt
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (lt *lockTableImpl) violation(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	lt.metrics.violations.Inc()
	plog.Errorf("contract violation: %s", msg)
	panic(fmt.Errorf("%w: %s", ErrContractViolation, msg))
}

// enter makes sure the descriptor's handle is protected. Returns true if the
// caller has to unprotect it again. A descriptor resolved under an earlier
// protection may point to a reclaimed slot, so it is resolved again.
func (lt *lockTableImpl) enter(hei *hashindex.HashEntryInfo) bool {
	h := hei.Handle()
	if h == nil || h.IsReleased() {
		plog.Errorf("contract violation: lock table used with a released epoch handle")
		lt.metrics.violations.Inc()
		panic(fmt.Errorf("%w: %w", ErrContractViolation, epoch.ErrHandleReleased))
	}
	if h.IsProtected() {
		return false
	}
	h.ProtectAndGetEpoch()
	hei.ReResolve()
	return true
}

func (lt *lockTableImpl) leave(hei *hashindex.HashEntryInfo, self bool) {
	if self {
		hei.Handle().Unprotect()
	}
}

// current refreshes the descriptor and re-resolves it if its slot was retired.
func current(hei *hashindex.HashEntryInfo) uint64 {
	for {
		w := hei.Refresh()
		if !hashindex.IsRetired(w) && hashindex.Tag(w) == hei.Tag {
			return w
		}
		hei.ReResolve()
	}
}

func keyOf(key []byte, hei *hashindex.HashEntryInfo) lockKey {
	return lockKey{hash: hei.Hash, key: string(key)}
}

// --------------------------------------------------------------------------
// Overflow path
// --------------------------------------------------------------------------

// entryFor returns the live entry of key, creating it and absorbing the inline
// state if needed. Returns nil if the descriptor went stale during creation.
func (lt *lockTableImpl) entryFor(lk lockKey, hei *hashindex.HashEntryInfo) *overflowEntry {
	if e, ok := lt.entries.Load(lk); ok && !e.sealed() {
		return e
	}

	var fresh *overflowEntry
	stale := false
	e, _ := lt.entries.Compute(lk, func(old *overflowEntry, loaded bool) (*overflowEntry, bool) {
		if loaded && !old.sealed() {
			return old, false
		}
		ne := lt.arena.alloc()
		for {
			w := hei.Refresh()
			if hashindex.IsRetired(w) || hashindex.Tag(w) != hei.Tag {
				stale = true
				lt.arena.release(ne)
				return old, !loaded
			}
			var absorbed uint64
			switch w & hashindex.LockBits {
			case hashindex.SharedBit:
				absorbed = ephemeralSharedOne
			case hashindex.ExclusiveBit:
				absorbed = ephemeralExclusiveBit
			}
			// marker already set: the previous entry is sealed and holds nothing
			if hashindex.InlineOverflow(w) {
				ne.state.Store(0)
				break
			}
			ne.state.Store(absorbed)
			if hei.Index().TryUpdateSlot(hei, w, w|hashindex.LockBits) {
				break
			}
		}
		fresh = ne
		return ne, false
	})
	if stale {
		return nil
	}
	if fresh != nil {
		lt.metrics.created.Inc()
	}
	return e
}

func (lt *lockTableImpl) lockOverflow(key []byte, hei *hashindex.HashEntryInfo, k holder) bool {
	lk := keyOf(key, hei)
	for {
		e := lt.entryFor(lk, hei)
		if e == nil {
			hei.ReResolve()
			continue
		}
		e.refs.Add(1)
		ok, sealed := e.tryGrant(k)
		e.refs.Add(-1)
		if sealed {
			// removal in progress, the next entryFor replaces it
			runtime.Gosched()
			continue
		}
		if ok {
			lt.metrics.overflowAcquired.Inc()
		} else {
			lt.metrics.failed.Inc()
		}
		return ok
	}
}

// lookup finds the entry of key. A miss on the lock-free Load is confirmed
// through Compute, which waits for a creation in progress on the same key.
func (lt *lockTableImpl) lookup(lk lockKey) *overflowEntry {
	if e, ok := lt.entries.Load(lk); ok {
		return e
	}
	var found *overflowEntry
	lt.entries.Compute(lk, func(old *overflowEntry, loaded bool) (*overflowEntry, bool) {
		found = old
		return old, !loaded
	})
	return found
}

func (lt *lockTableImpl) unlockOverflow(key []byte, hei *hashindex.HashEntryInfo, k holder) {
	lk := keyOf(key, hei)
	e := lt.lookup(lk)
	if e == nil {
		lt.violation("%s unlock of %q without overflow entry", k, key)
		return
	}
	e.refs.Add(1)
	ns, ok := e.tryRevoke(k)
	e.refs.Add(-1)
	if !ok {
		lt.violation("%s unlock of %q without matching lock (state %#x)", k, key, ns)
		return
	}
	if ns == 0 {
		lt.retire(lk, e, hei)
	}
}

// retire removes an empty entry: seal it, unlink it and clear the inline
// marker, then hand it back to the arena after an epoch drain.
func (lt *lockTableImpl) retire(lk lockKey, e *overflowEntry, hei *hashindex.HashEntryInfo) {
	if !e.seal() {
		// a new holder arrived, it will retire the entry later
		return
	}
	lt.entries.Compute(lk, func(cur *overflowEntry, loaded bool) (*overflowEntry, bool) {
		if !loaded {
			return cur, true
		}
		if cur != e {
			// already replaced by a fresh entry that owns the marker
			return cur, false
		}
		for {
			w := hei.Refresh()
			if !hashindex.InlineOverflow(w) {
				break
			}
			if hei.Index().TryUpdateSlot(hei, w, w&^hashindex.LockBits) {
				break
			}
		}
		return nil, true
	})
	lt.epoch.BumpCurrentEpochWith(func() {
		lt.arena.release(e)
		lt.metrics.reclaimed.Inc()
	})
}

// --------------------------------------------------------------------------
// Lock operations
// --------------------------------------------------------------------------

func (lt *lockTableImpl) TryLockManual(key []byte, hei *hashindex.HashEntryInfo, lockType LockType) bool {
	self := lt.enter(hei)
	defer lt.leave(hei, self)

	current(hei)
	return lt.lockOverflow(key, hei, holderOf(true, lockType))
}

func (lt *lockTableImpl) TryLockEphemeralShared(key []byte, hei *hashindex.HashEntryInfo) bool {
	self := lt.enter(hei)
	defer lt.leave(hei, self)

	backoff := util.Backoff{Limit: 3}
	for retry := 0; ; retry++ {
		w := current(hei)
		switch w & hashindex.LockBits {
		case hashindex.ExclusiveBit:
			lt.metrics.failed.Inc()
			return false
		case hashindex.SharedBit, hashindex.LockBits:
			return lt.lockOverflow(key, hei, ephemeralShared)
		default:
			if hei.Index().TryUpdateSlot(hei, w, w|hashindex.SharedBit) {
				lt.metrics.inlineAcquired.Inc()
				return true
			}
		}
		if retry >= lt.maxRetries {
			return lt.lockOverflow(key, hei, ephemeralShared)
		}
		backoff.Wait()
	}
}

func (lt *lockTableImpl) TryLockEphemeralExclusive(key []byte, hei *hashindex.HashEntryInfo) bool {
	self := lt.enter(hei)
	defer lt.leave(hei, self)

	backoff := util.Backoff{Limit: 3}
	for retry := 0; ; retry++ {
		w := current(hei)
		switch w & hashindex.LockBits {
		case hashindex.ExclusiveBit, hashindex.SharedBit:
			lt.metrics.failed.Inc()
			return false
		case hashindex.LockBits:
			return lt.lockOverflow(key, hei, ephemeralExclusive)
		default:
			if hei.Index().TryUpdateSlot(hei, w, w|hashindex.ExclusiveBit) {
				lt.metrics.inlineAcquired.Inc()
				return true
			}
		}
		if retry >= lt.maxRetries {
			return lt.lockOverflow(key, hei, ephemeralExclusive)
		}
		backoff.Wait()
	}
}

// --------------------------------------------------------------------------
// Unlock operations
// --------------------------------------------------------------------------

func (lt *lockTableImpl) UnlockManual(key []byte, hei *hashindex.HashEntryInfo, lockType LockType) {
	self := lt.enter(hei)
	defer lt.leave(hei, self)

	w := current(hei)
	if !hashindex.InlineOverflow(w) {
		lt.violation("manual %s unlock of %q but no overflow marker", lockType, key)
		return
	}
	lt.unlockOverflow(key, hei, holderOf(true, lockType))
}

func (lt *lockTableImpl) UnlockEphemeralShared(key []byte, hei *hashindex.HashEntryInfo) {
	lt.unlockEphemeral(key, hei, hashindex.SharedBit, ephemeralShared)
}

func (lt *lockTableImpl) UnlockEphemeralExclusive(key []byte, hei *hashindex.HashEntryInfo) {
	lt.unlockEphemeral(key, hei, hashindex.ExclusiveBit, ephemeralExclusive)
}

func (lt *lockTableImpl) unlockEphemeral(key []byte, hei *hashindex.HashEntryInfo, bit uint64, k holder) {
	self := lt.enter(hei)
	defer lt.leave(hei, self)

	for {
		w := current(hei)
		switch w & hashindex.LockBits {
		case bit:
			if hei.Index().TryUpdateSlot(hei, w, w&^bit) {
				return
			}
		case hashindex.LockBits:
			lt.unlockOverflow(key, hei, k)
			return
		default:
			lt.violation("%s unlock of %q without matching lock (word %#x)", k, key, w)
			return
		}
	}
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

func (lt *lockTableImpl) GetLockState(key []byte, hei *hashindex.HashEntryInfo) LockState {
	self := lt.enter(hei)
	defer lt.leave(hei, self)

	w := current(hei)
	switch w & hashindex.LockBits {
	case hashindex.ExclusiveBit:
		return LockState{ExclusiveHolders: 1, EphemeralActive: true}
	case hashindex.SharedBit:
		return LockState{SharedHolderCount: 1, EphemeralActive: true}
	case hashindex.LockBits:
		if e := lt.lookup(keyOf(key, hei)); e != nil {
			return stateOf(e.state.Load())
		}
	}
	return LockState{}
}

func (lt *lockTableImpl) IsLockedShared(key []byte, hei *hashindex.HashEntryInfo) bool {
	return lt.GetLockState(key, hei).SharedHolderCount > 0
}

func (lt *lockTableImpl) IsLockedExclusive(key []byte, hei *hashindex.HashEntryInfo) bool {
	return lt.GetLockState(key, hei).ExclusiveHolders > 0
}

func (lt *lockTableImpl) IsLocked(key []byte, hei *hashindex.HashEntryInfo) bool {
	return !lt.GetLockState(key, hei).IsZero()
}

func (lt *lockTableImpl) OverflowEntries() int {
	return lt.entries.Size()
}

func (lt *lockTableImpl) GetInfo() Info {
	info := Info{OverflowEntries: lt.entries.Size()}
	info.ArenaSlots, info.ArenaFree = lt.arena.stats()
	lt.entries.Range(func(_ lockKey, e *overflowEntry) bool {
		info.InFlightRefs += e.refs.Load()
		return true
	})
	return info
}
