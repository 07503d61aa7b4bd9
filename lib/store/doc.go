// Package store provides a hash-indexed record store on top of the epoch
// service, the hash index and the lock table. It is the layer that drives the
// lock table the way a real workload does.
//
// Key Components:
//
//   - IStore Interface: log maintenance (read-only, head and begin shifts),
//     checkpoint and recovery, and access to the shared epoch service, hash
//     index and lock table.
//
//   - Record Log: an append-only in-memory log. Addresses start at 64 and
//     never change. The log is split by three boundaries:
//
//     begin <= head <= read-only <= tail
//
//     Records at or above read-only are updated in place, records between head
//     and read-only are copied to the tail before an update (read-copy-update),
//     and records below head are treated as on disk: reading them is an
//     asynchronous fetch that suspends the operation.
//
//   - Session: issues the four record operations (Read, Upsert, RMW, Delete).
//     Every operation protects the session's epoch handle, resolves the key's
//     slot, takes an ephemeral lock (shared for reads, exclusive otherwise),
//     performs the operation and unlocks. An operation that needs a record
//     below head releases its lock and returns StatusPending; CompletePending
//     later re-resolves the key, reacquires the lock and finishes it.
//
//   - LockableContext: manual locks held across operations. Multi-key requests
//     are acquired in (hash, key) order. Operations through the context need
//     the key to be held and take no ephemeral lock.
//
//   - Checkpoint: waits for the operations in flight to finish (an epoch drain
//     action), then writes every live record in a simple binary format that
//     Recover reads back.
//
//   - Error System: errors carry a RetCode and match with errors.Is by code.
package store
