/*
Package epoch implements epoch protection and deferred reclamation for the
lock table and the hash index.

Every worker goroutine registers once and receives a Handle. While a goroutine
reads shared structures (bucket chains, overflow lock entries) it is
"protected": its handle publishes the global epoch observed on entry. A
structure that is logically removed at epoch E is only physically reclaimed by
a drain action once every protected handle has moved past E:

	h, _ := e.Register()
	defer h.Release()

	h.ProtectAndGetEpoch()
	// ... read shared state ...
	h.Unprotect()

	// remover side: unlink first, then defer the free
	e.BumpCurrentEpochWith(func() { arena.free(idx) })

Drain actions are pushed lock-free by any goroutine and kept in an
index-based arena ordered by their epoch. They run from a background sweeper
(Options.SweepInterval) and cooperatively from Handle.Refresh and Drain.

Instances are independent. Nothing in this package keeps global state, so
tests create as many epoch services as they need and drive them explicitly.

Contract violations (using a released handle, releasing a protected handle)
panic with ErrHandleReleased or ErrProtected. They are programming errors and
are not meant to be recovered from.
*/
package epoch
