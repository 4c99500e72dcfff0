package fluidcaching

import (
	"sync/atomic"
	"time"
)

/*
agebag.go implements the AgeBag component: a time-bounded bucket holding a
singly-linked chain of entries admitted, or last re-attributed, during its
interval.

An AgeBag is otherwise passive data - all of the interesting behavior
(closing a bag, retiring it, splicing stragglers) lives in the
lifespanManager's cleanup pass. The only operations a bag performs on
itself are the lock-free prepend used by entry.touch and the lock-free
detach used by cleanup and clear.
*/

type ageBag[V any] struct {
	startTime time.Time
	stopTime  atomic.Pointer[time.Time] // nil while the bag is still open

	head atomic.Pointer[entry[V]]
}

func newAgeBag[V any](startTime time.Time) *ageBag[V] {
	bag := &ageBag[V]{startTime: startTime}
	return bag
}

// close stamps the bag's stopTime, marking it no longer current. Called
// exactly once, by lifespanManager.openBagLocked, when a new bag becomes
// current.
func (bag *ageBag[V]) close(now time.Time) {
	t := now
	bag.stopTime.Store(&t)
}

// isClosed reports whether the bag has a stopTime.
func (bag *ageBag[V]) isClosed() bool {
	return bag.stopTime.Load() != nil
}

// stop returns the bag's stopTime and whether it has one. A bag without
// a stopTime is the current bag and is never eligible for cleanup.
func (bag *ageBag[V]) stop() (time.Time, bool) {
	t := bag.stopTime.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// reopen resets the bag to a fresh open interval starting at now,
// discarding any stopTime and chain it previously held. Used by
// lifespanManager.openBagLocked when reusing a ring slot, including when
// clearLocked reinitializes bag 0.
func (bag *ageBag[V]) reopen(now time.Time) {
	bag.startTime = now
	bag.stopTime.Store(nil)
	bag.head.Store(nil)
}

// prepend links e at the head of the bag's chain using a
// compare-and-swap retry loop, so that concurrent touches of distinct
// entries into the same bag never lose an update and never block on a
// lock.
func (bag *ageBag[V]) prepend(e *entry[V]) {
	for {
		head := bag.head.Load()
		e.next.Store(head)
		if bag.head.CompareAndSwap(head, e) {
			return
		}
	}
}

// detach atomically removes the entire chain from the bag and returns
// its former head, leaving the bag empty. Used by cleanBag, which then
// walks the detached chain without contending with any new touches that
// arrive after the detach (those target the bag that is current at the
// time of the touch, never a bag already being cleaned).
func (bag *ageBag[V]) detach() *entry[V] {
	return bag.head.Swap(nil)
}
