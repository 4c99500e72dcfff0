package fluidcaching

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

/*
index.go implements the Index component: a named secondary lookup table
mapping a derived key to a non-owning reference to a live entry, plus the
lazy-creation protocol that populates it on miss.

================================================================================
DEDUPLICATION HAS TWO LAYERS
================================================================================

singleflight.Group collapses concurrent factory invocations for the same
key at this index - nobody calls the factory twice for a miss on "k1"
while the first call is still in flight. That alone is not sufficient:
two different indexes, or a concurrent explicit Add, can race to create
the same logical value from two different keys (or from a factory and a
direct Add at once). The insert callback threads every factory result
back through the facade's tryAdd, which scans every index for an
existing entry before committing a new one and is the actual
canonicalization point (cache.go). singleflight is purely a local
optimization to avoid redundant factory calls; tryAdd is what guarantees
"exactly one live entry per equivalent value" under concurrency.

================================================================================
DEFERRED-ABSENT CONTRACT
================================================================================

See Deferred[V] below: a factory distinguishes "no value" from "I did not
even attempt to tell you" by returning (&Deferred{Found:false}, nil) for
the former and (nil, nil) - the latter being a contract violation
reported as ErrInvalidArgument.
*/

// Deferred represents the two-layer optionality of a lazy factory's
// result: the factory itself may be absent-by-design (Found:false) or
// may violate its contract by returning a nil *Deferred at all.
type Deferred[V any] struct {
	Found bool
	Value V
}

// Found wraps a value as a resolved, present factory result.
func Found[V any](v V) *Deferred[V] { return &Deferred[V]{Found: true, Value: v} }

// NotFound represents a legitimate, deliberate miss: the factory looked
// and there is genuinely nothing for this key.
func NotFound[V any]() *Deferred[V] { return &Deferred[V]{} }

// FactoryFunc lazily produces a value for key on a cache miss. It may
// block or suspend on ctx - no internal lock is held while it runs.
type FactoryFunc[K comparable, V any] func(ctx context.Context, key K) (*Deferred[V], error)

type reference[V any] struct {
	e          *entry[V]
	generation uint64
}

// Index is a named secondary lookup table over a Cache[V]'s live
// entries, keyed by whatever K a caller's extractor derives from V.
type Index[K comparable, V any] struct {
	mu      sync.Mutex
	name    string
	keyFn   func(V) K
	factory FactoryFunc[K, V]
	refs    map[K]reference[V]

	manager *lifespanManager[V]
	insert  func(V) *entry[V] // delegates to Cache.tryAdd

	inflight singleflight.Group
	logger   *zap.Logger

	hits   int64 // atomic
	misses int64 // atomic
}

// IndexOption configures an Index at AddIndex time.
type IndexOption[K comparable, V any] func(*Index[K, V])

// WithFactory installs a default factory invoked by Get calls that omit
// a per-call factory.
func WithFactory[K comparable, V any](factory FactoryFunc[K, V]) IndexOption[K, V] {
	return func(ix *Index[K, V]) { ix.factory = factory }
}

func newIndex[K comparable, V any](name string, keyFn func(V) K, manager *lifespanManager[V], insert func(V) *entry[V], logger *zap.Logger, opts ...IndexOption[K, V]) *Index[K, V] {
	ix := &Index[K, V]{
		name:    name,
		keyFn:   keyFn,
		refs:    make(map[K]reference[V]),
		manager: manager,
		insert:  insert,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// lookupLive returns the live entry currently bound to key, evicting the
// mapping in passing if the reference it held has gone stale.
func (ix *Index[K, V]) lookupLive(key K) (*entry[V], bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ref, ok := ix.refs[key]
	if !ok {
		return nil, false
	}
	if _, generation, hasValue := ref.e.snapshot(); hasValue && generation == ref.generation {
		return ref.e, true
	}
	delete(ix.refs, key)
	return nil, false
}

// Get returns the value bound to key, invoking a factory on miss. A
// factory passed here takes precedence over the index's default factory
// (WithFactory); calling Get on a miss with neither counts a miss and
// returns V's zero value with a nil error.
func (ix *Index[K, V]) Get(ctx context.Context, key K, factory ...FactoryFunc[K, V]) (V, error) {
	var zero V

	if e, ok := ix.lookupLive(key); ok {
		value, _, hasValue := e.snapshot()
		if hasValue {
			ix.manager.touchCurrent(e)
			ix.manager.checkValidity()
			atomic.AddInt64(&ix.hits, 1)
			return value, nil
		}
	}

	fn := ix.factory
	if len(factory) > 0 && factory[0] != nil {
		fn = factory[0]
	}
	if fn == nil {
		atomic.AddInt64(&ix.misses, 1)
		return zero, nil
	}

	// Counting happens inside the closure below, not here: every
	// concurrent caller for this key reaches this point on a first miss,
	// but singleflight.Do runs the closure at most once per key, however
	// many callers are waiting on it. Counting out here would count one
	// miss per caller instead of one miss per factory invocation.
	// %#v rather than %v: the Go-syntax representation is built from the
	// key's actual field values and never calls a custom String() method,
	// so two distinct keys whose Stringer collapses them to the same text
	// still land in different singleflight groups.
	sfKey := fmt.Sprintf("%#v", key)
	result, err, _ := ix.inflight.Do(sfKey, func() (interface{}, error) {
		// Re-check under singleflight: another caller may have populated
		// the key while we were queued behind the same group key. No
		// factory runs in that case, so it is a hit, not a miss.
		if e, ok := ix.lookupLive(key); ok {
			atomic.AddInt64(&ix.hits, 1)
			return e, nil
		}

		atomic.AddInt64(&ix.misses, 1)

		deferred, ferr := fn(ctx, key)
		if ferr != nil {
			return nil, ferr
		}
		if deferred == nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "index %q: key %v", ix.name, key)
		}
		if !deferred.Found {
			return (*entry[V])(nil), nil
		}

		canonical := ix.insert(deferred.Value)
		return canonical, nil
	})
	if err != nil {
		return zero, err
	}

	e, _ := result.(*entry[V])
	if e == nil {
		return zero, nil
	}
	value, _, hasValue := e.snapshot()
	if !hasValue {
		return zero, nil
	}
	return value, nil
}

// Remove evicts the mapping for key, if present, along with the
// underlying entry.
func (ix *Index[K, V]) Remove(key K) {
	ix.mu.Lock()
	ref, ok := ix.refs[key]
	delete(ix.refs, key)
	ix.mu.Unlock()

	if ok {
		ref.e.removeFromCache(ix.manager)
	}
}

// FindByItem derives item's key via the index's extractor and returns
// the live, currently-indexed value for that key - which may differ
// from item itself if a concurrent writer already won that key.
func (ix *Index[K, V]) FindByItem(item V) (V, bool) {
	e, ok := ix.findByItem(item)
	if !ok {
		var zero V
		return zero, false
	}
	value, _, hasValue := e.snapshot()
	if !hasValue {
		var zero V
		return zero, false
	}
	return value, true
}

func (ix *Index[K, V]) findByItem(item V) (*entry[V], bool) {
	return ix.lookupLive(ix.keyFn(item))
}

// add registers a non-owning reference to candidate under its derived
// key. It reports whether the slot was available - false means a live
// entry already occupies that key and candidate was not installed.
func (ix *Index[K, V]) add(candidate *entry[V]) bool {
	value, generation, hasValue := candidate.snapshot()
	if !hasValue {
		return false
	}
	key := ix.keyFn(value)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.refs[key]; ok {
		if _, _, live := existing.e.snapshot(); live {
			return false
		}
	}
	ix.refs[key] = reference[V]{e: candidate, generation: generation}
	return true
}

// removeStale drops candidate's reference from this index, but only if
// it is still the entry installed under its key. Used by the facade to
// roll back the indexes that accepted a candidate when a different
// index's collision forces the whole candidate to be discarded -
// without the guard, a later admission that legitimately replaced
// candidate under the same key would be undone by the rollback instead.
func (ix *Index[K, V]) removeStale(candidate *entry[V]) {
	value, _, hasValue := candidate.snapshot()
	if !hasValue {
		return
	}
	key := ix.keyFn(value)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ref, ok := ix.refs[key]; ok && ref.e == candidate {
		delete(ix.refs, key)
	}
}

// hitMiss reports this index's cumulative hit/miss counters.
func (ix *Index[K, V]) hitMiss() (hits, misses int64) {
	return atomic.LoadInt64(&ix.hits), atomic.LoadInt64(&ix.misses)
}

// clear drops every reference this index holds.
func (ix *Index[K, V]) clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.refs = make(map[K]reference[V])
}

// rebuild discards the map and repopulates it from the manager's live
// entries, returning the new size. Concurrent rebuilds are best-effort:
// a rebuild that loses a race with a fresher one is harmless since the
// later snapshot is always at least as current.
func (ix *Index[K, V]) rebuild() int {
	fresh := make(map[K]reference[V])

	ix.manager.iterate(func(e *entry[V]) bool {
		value, generation, hasValue := e.snapshot()
		if hasValue {
			fresh[ix.keyFn(value)] = reference[V]{e: e, generation: generation}
		}
		return true
	})

	ix.mu.Lock()
	ix.refs = fresh
	size := len(ix.refs)
	ix.mu.Unlock()

	ix.logger.Debug("fluidcaching: index rebuilt", zap.String("index", ix.name), zap.Int("size", size))
	return size
}
