/*
Package hashindex maps keys to bucket slots and exposes the slot word to the
lock table.

Each slot is one 64 bit word:

	 63  62  61         48 47                      0
	+---+---+-------------+-------------------------+
	| S | X |  tag (14)   |  record address (48)    |
	+---+---+-------------+-------------------------+

S and X are the inline lock bits. X alone is one ephemeral exclusive holder,
S alone is one ephemeral shared holder, both together mean the lock state of
the key lives in the lock table's overflow structure. A word of 0 is a free
slot. The address UnresolvedAddress marks a key that has a slot but no record,
RetiredAddress marks an evicted slot that waits for an epoch drain before it
is reused.

Slots are key-exact: a key directory maps every key to its own slot, so two
keys with colliding tags never share lock bits. Buckets hold seven slots and a
pointer to an overflow bucket, one bucket is one 64 byte cache line.

Lookups go through the key directory, not through a tag-based search of the
bucket chain. The chain is only walked to claim a free slot for a new key and
by EvictBelow and Range. The table is never resized.

Slot words are only ever changed with compare-and-swap. A HashEntryInfo is a
snapshot of a slot taken while the caller's epoch handle is protected; it is
only valid while that protection lasts.
*/
package hashindex
