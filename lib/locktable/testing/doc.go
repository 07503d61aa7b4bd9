// Package testing provides standardised tests and benchmarks for
// implementations of locktable.ILockTable.
//
// The suite builds its own epoch service and hash index for every test and
// asks the factory for a lock table bound to that epoch service:
//
//	factory := func(ep epoch.IEpoch) locktable.ILockTable {
//		return locktable.NewLockTable(ep, nil)
//	}
//
//	locktesting.RunLockTableTests(t, "LockTable", factory)
//	locktesting.RunLockTableBenchmarks(b, "LockTable", factory)
//
// The tests cover mutual exclusion, shared compatibility, leak freedom of the
// overflow structure, manual/ephemeral composition, stale descriptors and the
// contract violation panics.
package testing
