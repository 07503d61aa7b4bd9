package hashindex

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/util"
	"github.com/cespare/xxhash/v2"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var plog = logger.GetLogger("hashindex")

const (
	slotsPerBucket = 7
	cacheLine      = 64

	defaultBuckets = 1 << 16
)

// --------------------------------------------------------------------------
// Buckets
// --------------------------------------------------------------------------

type bucket struct {
	entries [slotsPerBucket]atomic.Uint64
	next    atomic.Pointer[bucket]
}

// a bucket is exactly one cache line
type (
	_ [unsafe.Sizeof(bucket{}) - cacheLine]byte
	_ [cacheLine - unsafe.Sizeof(bucket{})]byte
)

type slotRef struct {
	b *bucket
	i int
}

func (r slotRef) word() *atomic.Uint64 { return &r.b.entries[r.i] }

// --------------------------------------------------------------------------
// Index
// --------------------------------------------------------------------------

// Options configures a hash index.
type Options struct {
	// Buckets is the number of primary buckets, rounded up to a power of two (default 65536)
	Buckets uint64
	// Seed mixes the key hashes, 0 picks a random seed
	Seed uint64
}

// Info describes the occupancy of the index.
type Info struct {
	Buckets         uint64                 `json:"buckets"`
	OverflowBuckets uint64                 `json:"overflow_buckets"`
	SlotsUsed       uint64                 `json:"slots_used"`
	Keys            int                    `json:"keys"`
	ChainLength     util.DistributionStats `json:"chain_length"`
}

// Index is the hash index. It is safe for concurrent use; every method that
// takes an epoch handle requires the handle to be protected.
type Index struct {
	epoch    epoch.IEpoch
	buckets  []bucket
	mask     uint64
	seed     uint64
	dir      *xsync.MapOf[string, slotRef]
	overflow atomic.Uint64
}

// New creates a hash index whose slot reclamation is driven by ep.
func New(ep epoch.IEpoch, opts *Options) *Index {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Buckets == 0 {
		o.Buckets = defaultBuckets
	}
	if o.Seed == 0 {
		o.Seed = util.GenerateSeed()
	}
	n := util.NextPowerOfTwo(o.Buckets)

	return &Index{
		epoch:   ep,
		buckets: make([]bucket, n),
		mask:    n - 1,
		seed:    o.Seed,
		dir:     xsync.NewMapOf[string, slotRef](),
	}
}

// Seed returns the hash seed of the index.
func (ix *Index) Seed() uint64 { return ix.seed }

// Epoch returns the epoch service the index reclaims slots with.
func (ix *Index) Epoch() epoch.IEpoch { return ix.epoch }

// Hash returns the seeded hash of key.
func (ix *Index) Hash(key []byte) uint64 {
	h := xxhash.Sum64(key) ^ ix.seed
	h *= 0x9E3779B97F4A7C15
	return h ^ h>>29
}

func (ix *Index) checkHandle(h *epoch.Handle) {
	if h == nil || h.IsReleased() {
		plog.Errorf("index accessed with a released or nil epoch handle")
		panic(fmt.Errorf("%w: hash index access", epoch.ErrHandleReleased))
	}
}

func (ix *Index) describe(h *epoch.Handle, key string, hash uint64, ref slotRef) HashEntryInfo {
	slot := ref.word()
	return HashEntryInfo{
		Hash: hash,
		Tag:  tagOf(hash),
		Word: slot.Load(),
		key:  key,
		slot: slot,
		h:    h,
		ix:   ix,
	}
}

// Resolve finds or creates the slot of key. A new slot starts with an
// unresolved address and no lock bits.
func (ix *Index) Resolve(h *epoch.Handle, key []byte) HashEntryInfo {
	ix.checkHandle(h)
	k := string(key)
	hash := ix.Hash(key)

	if ref, ok := ix.dir.Load(k); ok {
		return ix.describe(h, k, hash, ref)
	}

	ref, _ := ix.dir.Compute(k, func(old slotRef, loaded bool) (slotRef, bool) {
		if loaded {
			return old, false
		}
		return ix.claimSlot(hash), false
	})
	return ix.describe(h, k, hash, ref)
}

// Find returns the slot of key without creating it.
func (ix *Index) Find(h *epoch.Handle, key []byte) (HashEntryInfo, bool) {
	ix.checkHandle(h)
	k := string(key)
	ref, ok := ix.dir.Load(k)
	if !ok {
		return HashEntryInfo{}, false
	}
	return ix.describe(h, k, ix.Hash(key), ref), true
}

// claimSlot takes a free slot in the chain of hash, appending an overflow
// bucket when the chain is full.
func (ix *Index) claimSlot(hash uint64) slotRef {
	word := MakeWord(tagOf(hash), UnresolvedAddress)
	b := &ix.buckets[hash&ix.mask]
	for {
		for i := range b.entries {
			if b.entries[i].Load() == 0 && b.entries[i].CompareAndSwap(0, word) {
				return slotRef{b: b, i: i}
			}
		}
		next := b.next.Load()
		if next == nil {
			nb := &bucket{}
			if b.next.CompareAndSwap(nil, nb) {
				ix.overflow.Add(1)
				plog.Debugf("appended overflow bucket to chain %d", hash&ix.mask)
				next = nb
			} else {
				next = b.next.Load()
			}
		}
		b = next
	}
}

// TryUpdateSlot replaces the slot word with new if it still equals old.
// On success the descriptor's snapshot becomes new.
func (ix *Index) TryUpdateSlot(hei *HashEntryInfo, old, new uint64) bool {
	if hei.slot.CompareAndSwap(old, new) {
		hei.Word = new
		return true
	}
	return false
}

// TryUpdateAddress moves the slot to newAddress, keeping tag and lock bits.
// It fails when the address changed since the descriptor's snapshot.
func (ix *Index) TryUpdateAddress(hei *HashEntryInfo, newAddress uint64) bool {
	expected := hei.Address()
	for {
		w := hei.slot.Load()
		if Address(w) != expected || IsRetired(w) {
			hei.Word = w
			return false
		}
		nw := WithAddress(w, newAddress)
		if hei.slot.CompareAndSwap(w, nw) {
			hei.Word = nw
			return true
		}
	}
}

// EvictBelow retires every unlocked slot whose record address is below
// address. The directory entry is removed immediately, the slot itself is
// freed once no protected reader can still hold a descriptor for it.
// Returns the number of retired slots.
func (ix *Index) EvictBelow(h *epoch.Handle, address uint64) int {
	ix.checkHandle(h)
	var retired []*atomic.Uint64

	ix.dir.Range(func(key string, ref slotRef) bool {
		w := ref.word().Load()
		a := Address(w)
		if a >= address || a < FirstValidAddress || a == UnresolvedAddress || !InlineFree(w) {
			return true
		}
		ix.dir.Compute(key, func(cur slotRef, loaded bool) (slotRef, bool) {
			if !loaded || cur != ref {
				return cur, !loaded
			}
			slot := ref.word()
			w := slot.Load()
			a := Address(w)
			if a >= address || a < FirstValidAddress || a == UnresolvedAddress || !InlineFree(w) {
				return cur, false
			}
			if !slot.CompareAndSwap(w, MakeWord(Tag(w), RetiredAddress)) {
				// a locker won the race, keep the key
				return cur, false
			}
			retired = append(retired, slot)
			return cur, true
		})
		return true
	})

	if len(retired) > 0 {
		ix.epoch.BumpCurrentEpochWith(func() {
			for _, slot := range retired {
				slot.Store(0)
			}
		})
		plog.Debugf("retired %d slots below address %d", len(retired), address)
	}
	return len(retired)
}

// Range calls fn for every key with a descriptor of its slot until fn returns false.
func (ix *Index) Range(h *epoch.Handle, fn func(hei HashEntryInfo) bool) {
	ix.checkHandle(h)
	ix.dir.Range(func(key string, ref slotRef) bool {
		return fn(ix.describe(h, key, ix.Hash([]byte(key)), ref))
	})
}

// Size returns the number of keys with a slot.
func (ix *Index) Size() int {
	return ix.dir.Size()
}

// GetInfo walks all bucket chains. Not linearizable with concurrent updates.
func (ix *Index) GetInfo() Info {
	info := Info{
		Buckets:         uint64(len(ix.buckets)),
		OverflowBuckets: ix.overflow.Load(),
		Keys:            ix.dir.Size(),
	}
	chains := make([]float64, len(ix.buckets))
	for i := range ix.buckets {
		for b := &ix.buckets[i]; b != nil; b = b.next.Load() {
			for j := range b.entries {
				if b.entries[j].Load() != 0 {
					info.SlotsUsed++
					chains[i]++
				}
			}
		}
	}
	info.ChainLength = util.NewDistributionStats(chains)
	return info
}
