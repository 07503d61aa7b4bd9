// Package lockmgr implements owner-based locking on top of the manual locks
// of a store's lock table. It is the caller-side policy the lock table itself
// leaves out: waiting, timeouts, multi-key ordering and ownership.
//
// Core Functionality:
//   - Lock acquisition with a random owner ID per acquisition
//   - Bounded waiting: a failed try is retried with exponential backoff until
//     the timeout passes, running out of time returns ok=false, not an error
//   - Multi-key acquisition in the global (hash, key) order, all or nothing
//   - Safe release operations that verify ownership
//
// Implementation Approach:
//
//	Every lock is a manual lock in the store's lock table, so a key locked
//	through the lock manager also blocks the store's record operations on
//	that key until it is released.
//
//	- Lock Acquisition: the keys are deduplicated and sorted by (hash, key).
//	  Each key is tried with TryLockManual; on failure the manager backs off
//	  and retries. If the timeout passes, the keys locked so far are released
//	  in reverse order.
//
//	- Ownership: the owner table (an xsync.MapOf keyed by owner ID) records
//	  the keys of each owner. Updates for one owner are serialized through
//	  the map's per-key Compute.
//
//	- Safe Release: ReleaseLock only unlocks a key the owner holds. An owner
//	  that holds nothing is treated as already released.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Epoch handles are taken from a
//	small cache, one per call, so calls never share a handle.
//
// Usage Example:
//
//	mgr := lockmgr.NewLockManager(st)
//	defer mgr.Close()
//
//	ok, ownerID, err := mgr.AcquireLock(ctx, "resource:123", locktable.LockExclusive, time.Second)
//	if err != nil {
//	    // Handle error
//	}
//
//	if ok {
//	    // Use the resource safely
//	    // ...
//
//	    released, err := mgr.ReleaseLock("resource:123", ownerID)
//	    if err != nil {
//	        // Handle error
//	    }
//	}
package lockmgr
