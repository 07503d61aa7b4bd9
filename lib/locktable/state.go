package locktable

import "sync/atomic"

// --------------------------------------------------------------------------
// Overflow entry state word
// --------------------------------------------------------------------------

//	bit  0      manual exclusive
//	bit  1      ephemeral exclusive
//	bits 2-21   manual shared count
//	bits 22-41  ephemeral shared count
//	bit  63     sealed (logically removed, must not be acquired)
const (
	manualExclusiveBit    uint64 = 1 << 0
	ephemeralExclusiveBit uint64 = 1 << 1

	countBits  = 20
	countMask  = 1<<countBits - 1
	maxHolders = countMask

	manualSharedShift    = 2
	ephemeralSharedShift = manualSharedShift + countBits

	manualSharedOne    uint64 = 1 << manualSharedShift
	ephemeralSharedOne uint64 = 1 << ephemeralSharedShift

	exclusiveBits = manualExclusiveBit | ephemeralExclusiveBit
	sealedBit     = uint64(1) << 63
)

// holder identifies one of the four counters of an entry.
type holder uint8

const (
	manualShared holder = iota
	manualExclusive
	ephemeralShared
	ephemeralExclusive
)

func holderOf(manual bool, t LockType) holder {
	switch {
	case manual && t == LockExclusive:
		return manualExclusive
	case manual:
		return manualShared
	case t == LockExclusive:
		return ephemeralExclusive
	default:
		return ephemeralShared
	}
}

func (k holder) String() string {
	switch k {
	case manualShared:
		return "manual shared"
	case manualExclusive:
		return "manual exclusive"
	case ephemeralShared:
		return "ephemeral shared"
	default:
		return "ephemeral exclusive"
	}
}

func manualSharedCount(s uint64) uint32 {
	return uint32(s >> manualSharedShift & countMask)
}

func ephemeralSharedCount(s uint64) uint32 {
	return uint32(s >> ephemeralSharedShift & countMask)
}

// grant returns the state after granting k on s, or false if k conflicts.
func grant(s uint64, k holder) (uint64, bool) {
	switch k {
	case manualExclusive:
		if s != 0 {
			return s, false
		}
		return manualExclusiveBit, true
	case ephemeralExclusive:
		if s != 0 {
			return s, false
		}
		return ephemeralExclusiveBit, true
	case manualShared:
		if s&exclusiveBits != 0 || manualSharedCount(s) == maxHolders {
			return s, false
		}
		return s + manualSharedOne, true
	default:
		if s&exclusiveBits != 0 || ephemeralSharedCount(s) == maxHolders {
			return s, false
		}
		return s + ephemeralSharedOne, true
	}
}

// revoke returns the state after releasing k from s, or false if k is not held.
func revoke(s uint64, k holder) (uint64, bool) {
	switch k {
	case manualExclusive:
		if s&manualExclusiveBit == 0 {
			return s, false
		}
		return s &^ manualExclusiveBit, true
	case ephemeralExclusive:
		if s&ephemeralExclusiveBit == 0 {
			return s, false
		}
		return s &^ ephemeralExclusiveBit, true
	case manualShared:
		if manualSharedCount(s) == 0 {
			return s, false
		}
		return s - manualSharedOne, true
	default:
		if ephemeralSharedCount(s) == 0 {
			return s, false
		}
		return s - ephemeralSharedOne, true
	}
}

func stateOf(s uint64) LockState {
	if s&sealedBit != 0 {
		return LockState{}
	}
	var st LockState
	if s&exclusiveBits != 0 {
		st.ExclusiveHolders = 1
	}
	st.SharedHolderCount = manualSharedCount(s) + ephemeralSharedCount(s)
	st.EphemeralActive = s&ephemeralExclusiveBit != 0 || ephemeralSharedCount(s) > 0
	return st
}

// --------------------------------------------------------------------------
// Overflow entry
// --------------------------------------------------------------------------

type overflowEntry struct {
	state      atomic.Uint64
	refs       atomic.Int64 // goroutines currently operating on the entry
	generation atomic.Uint64
	idx        uint32
}

// tryGrant CAS-loops until k is granted, conflicts, or the entry is sealed.
func (e *overflowEntry) tryGrant(k holder) (ok, sealed bool) {
	for {
		s := e.state.Load()
		if s&sealedBit != 0 {
			return false, true
		}
		ns, ok := grant(s, k)
		if !ok {
			return false, false
		}
		if e.state.CompareAndSwap(s, ns) {
			return true, false
		}
	}
}

// tryRevoke CAS-loops until k is released. Returns the new state, or false if
// k was not held.
func (e *overflowEntry) tryRevoke(k holder) (uint64, bool) {
	for {
		s := e.state.Load()
		if s&sealedBit != 0 {
			return s, false
		}
		ns, ok := revoke(s, k)
		if !ok {
			return s, false
		}
		if e.state.CompareAndSwap(s, ns) {
			return ns, true
		}
	}
}

// seal marks an empty entry as removed. Fails if a holder slipped in.
func (e *overflowEntry) seal() bool {
	return e.state.CompareAndSwap(0, sealedBit)
}

func (e *overflowEntry) sealed() bool {
	return e.state.Load()&sealedBit != 0
}
