/*
Package locktable implements the dual-mode record lock table.

Two kinds of locks exist on every key:

  - Ephemeral locks are taken around a single record operation. The common
    case (one holder, no manual lock) is a single CAS on the inline lock bits
    of the key's hash index slot.
  - Manual locks are taken by a caller and held across any number of
    operations. They are always backed by an overflow entry.

Whenever the inline bits cannot describe the state of a key (more than one
shared holder, or manual and ephemeral holders together), an overflow entry
keyed by the key's hash and bytes carries the full state, and both inline bits
are set as "overflow present" marker. Creating an entry absorbs the inline
state; removing it clears the marker. Both steps run inside the concurrent
map's per-key Compute, so the marker always agrees with the map.

Rules (standard reader/writer semantics across both kinds):

	exclusive (manual or ephemeral)  requires no other holder at all
	shared    (manual or ephemeral)  requires no exclusive holder

All TryLock calls are non-blocking: they succeed, or fail after at most a small
bounded number of CAS retries. Callers implement waiting and timeouts
themselves. A caller holding several manual locks must acquire them in one
global total order (see lockmgr.AcquireMany and store.LockableContext).

Removed overflow entries are recycled through an arena. A removed entry goes
back to the free list only after an epoch drain, so a goroutine that loaded the
entry just before removal can still finish its CAS on it safely; it observes the
sealed bit and retries through the map.

Unlocking without a matching lock, count underflow and calls with a released
epoch handle are contract violations: they are logged and panic with
ErrContractViolation.

Queries (IsLocked*, GetLockState) are advisory snapshots.
*/
package locktable
