package fluidcaching

import (
	"sync"
	"sync/atomic"
)

/*
entry.go implements the Entry component: a container for one cached value
plus its current bag attribution and the forward link used only while the
entry is linked into a bag's singly-linked chain.

================================================================================
WHY bag AND next ARE ATOMIC POINTERS
================================================================================

touch must never take a global lock (see the note on why
registerWithLifespanManager is lock-free in lifespan.go), yet cleanBag walks and rewrites these same fields from the
cleanup goroutine without individually locking every entry it visits -
the manager lock only serializes cleanup passes against each other, not
against concurrent touches. Representing bag and next as
atomic.Pointer[...] makes every read and write of either field a single
atomic operation, so the two code paths never race on memory even though
they are allowed to race on the *logical* view (a bag's chain may
transiently contain entries that have since been re-touched elsewhere;
cleanup resolves that by relocating them, see lifespanManager.cleanBag).

================================================================================
WHY generation
================================================================================

Indexes hold non-owning references to entries (see index.go). Rather
than a separate slab/arena table with its own lock domain, each entry
carries a generation counter bumped under its own mutex by
removeFromCache. A reference captures the generation at insertion time;
resolving it later is a single comparison against the entry's current
generation - the same "deterministic invalidation instead of relying on
the host collector" idea from the design notes, without a fourth lock
tier.
*/

type entry[V any] struct {
	mu sync.Mutex // guards value, hasValue, generation

	value      V
	hasValue   bool
	generation uint64

	bag  atomic.Pointer[ageBag[V]]
	next atomic.Pointer[entry[V]]
}

func newEntry[V any](value V) *entry[V] {
	return &entry[V]{value: value, hasValue: true}
}

// touch reattributes the entry to current. If the entry was not
// previously linked into any bag, the link-and-count-admission work is
// delegated to registerWithLifespanManager; otherwise the entry is
// re-prepended into current's chain without touching the manager's
// admission counters, since it was already counted once.
//
// Concurrency: the "already current?" check and the bag-pointer swap run
// under e.mu, a per-entry lock - never the manager mutex - so that only
// one caller wins a given transition; racing touches converge on a
// single winner and the rest become no-ops. The list splice itself
// (ageBag.prepend) is lock-free, built on a compare-and-swap retry loop
// over the bag's head pointer.
func (e *entry[V]) touch(current *ageBag[V], mgr *lifespanManager[V]) {
	e.mu.Lock()
	if !e.hasValue {
		e.mu.Unlock()
		return
	}
	if e.bag.Load() == current {
		e.mu.Unlock()
		return
	}
	wasUnattached := e.bag.Load() == nil
	e.bag.Store(current)
	e.mu.Unlock()

	if wasUnattached {
		e.registerWithLifespanManager(mgr, current)
		return
	}

	e.linkInto(current, mgr)
}

// linkInto prepends e into current's chain and bumps the one counter
// every admission into current shares, regardless of whether e is being
// counted as a brand-new admission or merely re-attributed. Shared by
// touch's re-attach path and registerWithLifespanManager so the two
// never drift apart on what "linking into a bag" costs.
func (e *entry[V]) linkInto(current *ageBag[V], mgr *lifespanManager[V]) {
	current.prepend(e)
	atomic.AddInt64(&mgr.itemsInCurrentBag, 1)
}

// registerWithLifespanManager links a newly unattached entry into
// current's chain and bumps the manager's admission counters. Only
// touch calls this, and only for an entry whose bag pointer was absent.
func (e *entry[V]) registerWithLifespanManager(mgr *lifespanManager[V], current *ageBag[V]) {
	e.linkInto(current, mgr)
	atomic.AddInt64(&mgr.current, 1)
	atomic.AddInt64(&mgr.totalCount, 1)
	atomic.AddInt64(&mgr.sinceCreation, 1)
}

// removeFromCache clears the entry's value and bag attribution, bumps
// its generation so any outstanding non-owning reference resolves to
// absent, and decrements the manager's live count. Idempotent: calling
// it twice on an already-cleared entry does nothing the second time.
func (e *entry[V]) removeFromCache(mgr *lifespanManager[V]) {
	e.mu.Lock()
	if !e.hasValue {
		e.mu.Unlock()
		return
	}

	var zero V
	e.value = zero
	e.hasValue = false
	e.bag.Store(nil)
	e.next.Store(nil)
	e.generation++
	e.mu.Unlock()

	atomic.AddInt64(&mgr.current, -1)
}

// snapshot returns the entry's value, its current generation (for
// minting or validating a non-owning reference), and whether the entry
// is presently live.
func (e *entry[V]) snapshot() (value V, generation uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.generation, e.hasValue
}

// currentGeneration reports the entry's generation without requiring a
// live value, used to validate a stored non-owning reference.
func (e *entry[V]) currentGeneration() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}
