// Package util provides small concurrency building blocks shared by the
// epoch service, the hash index and the lock table.
//
// The package contains:
//   - lockfreempsc: A lock-free Multi-Producer Single-Consumer (MPSC) queue used to hand
//     deferred reclamation requests from worker goroutines to the epoch sweeper
//   - mapheap: A priority queue with key-based access; the epoch sweeper keeps its drain
//     list in it (arena index as key, captured epoch as priority)
//   - backoff: Exponential Gosched backoff for bounded CAS retries and caller-side lock retries
//   - functions: Seed generation for hash mixing
//   - statistics: Distribution metrics for bucket chain lengths
//
// None of these types know anything about keys or locks, they only encode the
// synchronization patterns the other packages rely on.
package util
