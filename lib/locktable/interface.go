package locktable

import (
	"errors"
	"io"

	"github.com/ValentinKolb/hlock/lib/hashindex"
)

// ErrContractViolation is the panic value (wrapped) for programming errors:
// unlocking without a matching lock, count underflow, or using a released handle.
var ErrContractViolation = errors.New("locktable: contract violation")

// LockType is the kind of a lock request.
type LockType uint8

const (
	LockShared LockType = iota
	LockExclusive
)

func (t LockType) String() string {
	switch t {
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// LockState is a snapshot of the lock state of one key.
type LockState struct {
	// ExclusiveHolders is 0 or 1 (manual or ephemeral)
	ExclusiveHolders uint32
	// SharedHolderCount counts manual and ephemeral shared holders
	SharedHolderCount uint32
	// EphemeralActive reports at least one ephemeral holder
	EphemeralActive bool
}

// IsZero reports an unlocked key.
func (s LockState) IsZero() bool {
	return s.ExclusiveHolders == 0 && s.SharedHolderCount == 0 && !s.EphemeralActive
}

// Info describes the overflow structure.
type Info struct {
	OverflowEntries int   `json:"overflow_entries"`
	ArenaSlots      int   `json:"arena_slots"`
	ArenaFree       int   `json:"arena_free"`
	InFlightRefs    int64 `json:"in_flight_refs"`
}

// ILockTable is the lock table.
//
// Every method takes the key and a descriptor resolved from the hash index for
// it. The descriptor's epoch handle should be protected; if it is not, the
// method protects it for its own duration and re-resolves the descriptor.
//
// Thread-safety: all methods are safe for concurrent use. A descriptor must not
// be shared between goroutines.
type ILockTable interface {
	// TryLockManual acquires a manual lock. Non-blocking.
	TryLockManual(key []byte, hei *hashindex.HashEntryInfo, lockType LockType) bool
	// TryLockEphemeralShared acquires an ephemeral shared lock. Non-blocking.
	TryLockEphemeralShared(key []byte, hei *hashindex.HashEntryInfo) bool
	// TryLockEphemeralExclusive acquires an ephemeral exclusive lock. Non-blocking.
	TryLockEphemeralExclusive(key []byte, hei *hashindex.HashEntryInfo) bool

	// UnlockManual releases a manual lock taken by TryLockManual.
	UnlockManual(key []byte, hei *hashindex.HashEntryInfo, lockType LockType)
	// UnlockEphemeralShared releases an ephemeral shared lock.
	UnlockEphemeralShared(key []byte, hei *hashindex.HashEntryInfo)
	// UnlockEphemeralExclusive releases an ephemeral exclusive lock.
	UnlockEphemeralExclusive(key []byte, hei *hashindex.HashEntryInfo)

	// IsLockedShared reports at least one shared holder.
	IsLockedShared(key []byte, hei *hashindex.HashEntryInfo) bool
	// IsLockedExclusive reports an exclusive holder.
	IsLockedExclusive(key []byte, hei *hashindex.HashEntryInfo) bool
	// IsLocked reports any holder.
	IsLocked(key []byte, hei *hashindex.HashEntryInfo) bool
	// GetLockState returns a snapshot of the lock state.
	GetLockState(key []byte, hei *hashindex.HashEntryInfo) LockState

	// OverflowEntries returns the number of live overflow entries.
	OverflowEntries() int
	// GetInfo describes the overflow structure.
	GetInfo() Info
	// WritePrometheus writes the lock table metrics in Prometheus text format.
	WritePrometheus(w io.Writer)
}
