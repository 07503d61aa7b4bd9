package hashindex

import (
	"sync/atomic"

	"github.com/ValentinKolb/hlock/lib/epoch"
)

// HashEntryInfo is the descriptor of a key's slot. It is a stack value that is
// re-derived for every operation and must not outlive the epoch protection it
// was resolved under.
type HashEntryInfo struct {
	// Hash is the seeded hash of the key
	Hash uint64
	// Tag is the tag stored in the slot word
	Tag uint16
	// Word is the slot word observed by the last Resolve, Refresh or successful update
	Word uint64

	key  string
	slot *atomic.Uint64
	h    *epoch.Handle
	ix   *Index
}

// Key returns the key the descriptor was resolved for.
func (hei *HashEntryInfo) Key() string { return hei.key }

// Handle returns the epoch handle the descriptor was resolved under.
func (hei *HashEntryInfo) Handle() *epoch.Handle { return hei.h }

// Index returns the hash index the descriptor belongs to.
func (hei *HashEntryInfo) Index() *Index { return hei.ix }

// IsValid reports whether the descriptor references a slot.
func (hei *HashEntryInfo) IsValid() bool { return hei.slot != nil }

// Address returns the record address of the snapshot.
func (hei *HashEntryInfo) Address() uint64 { return Address(hei.Word) }

// IsUnresolved reports that the key has no record yet.
func (hei *HashEntryInfo) IsUnresolved() bool { return Address(hei.Word) == UnresolvedAddress }

// Load returns the live slot word.
func (hei *HashEntryInfo) Load() uint64 { return hei.slot.Load() }

// Refresh updates the snapshot from the live slot and returns it.
func (hei *HashEntryInfo) Refresh() uint64 {
	hei.Word = hei.slot.Load()
	return hei.Word
}

// IsStale reports whether the live slot was retired or handed to another key
// since the descriptor was resolved.
func (hei *HashEntryInfo) IsStale() bool {
	w := hei.slot.Load()
	return IsRetired(w) || Tag(w) != hei.Tag
}

// ReResolve resolves the key again through the index. Used after the slot was
// retired underneath the caller.
func (hei *HashEntryInfo) ReResolve() {
	*hei = hei.ix.Resolve(hei.h, []byte(hei.key))
}
