package fluidcaching

import "time"

/*
Statistics represents a point-in-time snapshot of a Cache's internal
counters and ring geometry.

Unlike a cache-wide-locked counters struct, these fields are mostly
sourced from values already kept atomic for the lock-free touch path -
each index's hit/miss counters are read atomically too, and the only lock
the snapshot takes is the cache's index-registry read lock, briefly, to
list the registered indexes.

Rendering, exporting, or aggregating these numbers (a metrics exporter,
a pretty-printer) is explicitly out of scope; see DESIGN.md for the
reasoning behind that boundary.
*/

type Statistics struct {
	// Capacity is the configured soft capacity.
	Capacity int
	// Current is the number of live entries presently in the cache.
	Current int64
	// SinceCreation is the number of admissions over the cache's entire
	// lifetime - never reset by a rebuild, clear, or aged-out reset.
	SinceCreation int64
	// Hits and Misses are the sum of every registered index's lookup
	// counters.
	Hits   int64
	Misses int64
	// OldestBagIndex and CurrentBagIndex describe the ring's current
	// window.
	OldestBagIndex  int64
	CurrentBagIndex int64
	// BagCount is the ring's fixed length in bags.
	BagCount int
	// BagSize is the per-bag item threshold that triggers opportunistic
	// cleanup ahead of the next scheduled check.
	BagSize int
	// MinAge, MaxAge, and CleanupInterval are the effective (already
	// clamped) configured durations.
	MinAge          time.Duration
	MaxAge          time.Duration
	CleanupInterval time.Duration
}
