package fluidcaching

import (
	"fmt"
	"math"
	"time"
)

/*
bagring.go implements the BagRing component: a fixed-size circular array
of age bags addressed by a monotonically increasing non-negative integer,
modulo the ring's length.

================================================================================
SIZING
================================================================================

The ring must be large enough that its time span strictly exceeds
maxAge: reaching the "oldest" slot before that point would mean evicting
entries that have not even had a chance to age out, purely because the
ring wrapped. Given:

    maxMaxAge     = min(configuredMaxAge, 12h)
    checkInterval = min(maxAge, 3min)
    preferredBags = 20
    emptyBuffer   = 5
    nrBags        = ceil(maxMaxAge / checkInterval) + preferredBags + emptyBuffer
    bagItemLimit  = max(capacity / preferredBags, 1)

preferredBags and emptyBuffer pad the ring well past the strict minimum
so that a burst of admissions (which advances oldestBagIndex only as
fast as cleanup runs) does not catch up with currentBagIndex before
cleanup has a chance to retire the oldest slots.

================================================================================
AGED-OUT RESET
================================================================================

currentBagIndex is a plain int64 that only ever increases. Past
agedOutThreshold (10^6) the cache is declared aged-out and cleared in
full rather than risking index arithmetic overflow or ambiguous wraparound
on a ring that has been open for an implausibly long time. bagRing.at
additionally guards the index itself: once it comes within the ring's
length of math.MaxInt64, at panics with an error wrapping ErrOverflow
instead of letting the next advance wrap around. Reaching that guard
would mean the aged-out reset failed to fire, which is a programming
error, not a runtime condition callers need to handle - but it is still
checked for, rather than left to wrap silently.
*/

const (
	preferredBags      = 20
	emptyBufferBags    = 5
	agedOutThreshold   = 1_000_000
	maxEffectiveMaxAge = 12 * time.Hour
	maxCheckInterval   = 3 * time.Minute
)

// ringParams computes the ring length, per-bag capacity limit, and
// cleanup check interval for the given capacity and (already-clamped)
// maxAge.
func ringParams(capacity int, maxAge time.Duration) (nrBags int, bagItemLimit int, checkInterval time.Duration) {
	maxMaxAge := maxAge
	if maxMaxAge > maxEffectiveMaxAge {
		maxMaxAge = maxEffectiveMaxAge
	}

	checkInterval = maxAge
	if checkInterval > maxCheckInterval || checkInterval <= 0 {
		checkInterval = maxCheckInterval
	}

	spanBags := int(maxMaxAge / checkInterval)
	if maxMaxAge%checkInterval != 0 {
		spanBags++
	}

	nrBags = spanBags + preferredBags + emptyBufferBags

	bagItemLimit = capacity / preferredBags
	if bagItemLimit < 1 {
		bagItemLimit = 1
	}

	return nrBags, bagItemLimit, checkInterval
}

type bagRing[V any] struct {
	bags []*ageBag[V]
}

func newBagRing[V any](nrBags int, now time.Time) *bagRing[V] {
	if nrBags < 1 {
		nrBags = 1
	}
	ring := &bagRing[V]{bags: make([]*ageBag[V], nrBags)}
	for i := range ring.bags {
		ring.bags[i] = newAgeBag[V](now)
	}
	return ring
}

func (r *bagRing[V]) len() int {
	return len(r.bags)
}

// at returns the bag addressed by the given monotonically increasing
// index. index must be non-negative and must leave room for the ring to
// keep advancing without wrapping math.MaxInt64; a negative index is a
// programming error in the caller (the ring never produces one
// internally), and an index this close to overflow means the aged-out
// reset (see lifespanManager) failed to fire well before it should have.
func (r *bagRing[V]) at(index int64) *ageBag[V] {
	if index < 0 {
		panic("fluidcaching: negative bag index")
	}
	if index > math.MaxInt64-int64(len(r.bags)) {
		panic(fmt.Errorf("%w: bag index %d", ErrOverflow, index))
	}
	return r.bags[int(index)%len(r.bags)]
}
