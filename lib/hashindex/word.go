package hashindex

const (
	addressBits = 48
	tagBits     = 14

	// AddressMask selects the record address of a slot word
	AddressMask uint64 = 1<<addressBits - 1
	tagMask     uint64 = 1<<tagBits - 1

	// ExclusiveBit is the inline exclusive lock bit
	ExclusiveBit uint64 = 1 << 62
	// SharedBit is the inline shared lock bit
	SharedBit uint64 = 1 << 63
	// LockBits covers both inline lock bits, both set = overflow present
	LockBits = ExclusiveBit | SharedBit

	// UnresolvedAddress marks a slot without a record
	UnresolvedAddress = AddressMask
	// RetiredAddress marks an evicted slot waiting for reclamation
	RetiredAddress = AddressMask - 1
	// FirstValidAddress is the lowest address a record can have
	FirstValidAddress uint64 = 64
)

// MakeWord packs a tag and an address into a slot word without lock bits.
func MakeWord(tag uint16, address uint64) uint64 {
	return (uint64(tag)&tagMask)<<addressBits | address&AddressMask
}

// Address returns the address part of w.
func Address(w uint64) uint64 { return w & AddressMask }

// Tag returns the tag part of w.
func Tag(w uint64) uint16 { return uint16(w >> addressBits & tagMask) }

// WithAddress replaces the address of w, keeping tag and lock bits.
func WithAddress(w, address uint64) uint64 {
	return w&^AddressMask | address&AddressMask
}

// InlineExclusive reports a single exclusive holder represented inline.
func InlineExclusive(w uint64) bool { return w&LockBits == ExclusiveBit }

// InlineShared reports a single shared holder represented inline.
func InlineShared(w uint64) bool { return w&LockBits == SharedBit }

// InlineOverflow reports that the lock state lives in the overflow structure.
func InlineOverflow(w uint64) bool { return w&LockBits == LockBits }

// InlineFree reports that no lock bit is set.
func InlineFree(w uint64) bool { return w&LockBits == 0 }

// IsRetired reports an evicted slot.
func IsRetired(w uint64) bool { return w == 0 || Address(w) == RetiredAddress }

func tagOf(hash uint64) uint16 {
	return uint16(hash >> addressBits & tagMask)
}
