package fluidcaching

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

/*
cache.go implements the Cache facade: the single entry point callers use
to add values, register indexes, and look values up by any index's key.

================================================================================
tryAdd IS THE CANONICALIZATION POINT
================================================================================

A single call either creates exactly one new live entry or hands back
the entry some concurrent caller already installed - never both, and
never two live entries for what every index agrees is the same key.
indexHandle.findByItem is tried first as a short-circuit (common case:
the value already exists); only on a clean miss does tryAdd mint an
unlinked entry via the manager, offer it to every index, and then -
under the facade lock, the one place this algorithm needs it - either
link the candidate into the bag ring or discard it in favor of the
incumbent entry an index already holds for the same key.

Go has no universal "is this value absent" test the way a nullable
reference type would, so the leading "value is absent" short-circuit
named in the design notes has no Go-shaped equivalent here; callers
wanting absent-vs-present semantics use Index.Get's Deferred[V] factory
contract instead. The "existing.value == value" comparison, which does
have a Go shape, is implemented with reflect.DeepEqual rather than `==`
because V carries no comparable constraint - requiring one would block
every struct-valued cache from compiling. No pack example reaches for a
diffing library for a single equality check on a hot path, so this is
the one place this module falls back to the standard library by design.
*/

// indexHandle type-erases an *Index[K, V] down to the operations tryAdd
// and statistics aggregation need, so indexes with different key types
// can live in the same map.
type indexHandle[V any] interface {
	add(candidate *entry[V]) bool
	removeStale(candidate *entry[V])
	findByItem(item V) (*entry[V], bool)
	clear()
	hitMiss() (hits, misses int64)
}

// Cache is an in-process, thread-safe cache of live values with soft
// LRU-like age bounds and any number of named secondary indexes.
type Cache[V any] struct {
	id uuid.UUID

	mu      sync.Mutex // facade lock: guards tryAdd's link-or-discard decision
	manager *lifespanManager[V]

	indexMu sync.RWMutex
	indexes map[string]indexHandle[V]

	logger   *zap.Logger
	stopChan chan struct{}
}

// New constructs a Cache with the given options applied over sensible
// defaults (capacity 10,000, minAge 5 minutes, maxAge 1 hour, wall-clock
// time, no validator, a no-op logger).
func New[V any](opts ...Option[V]) (*Cache[V], error) {
	cfg := defaultConfig[V]()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Cache[V]{
		id:       uuid.New(),
		indexes:  make(map[string]indexHandle[V]),
		logger:   cfg.logger,
		stopChan: make(chan struct{}),
	}
	c.manager = newLifespanManager[V](cfg.capacity, cfg.minAge, cfg.maxAge, cfg.now, cfg.validateFn, cfg.logger)

	c.logger.Debug("fluidcaching: cache created",
		zap.String("id", c.id.String()),
		zap.Int("capacity", cfg.capacity),
		zap.Duration("minAge", cfg.minAge),
		zap.Duration("maxAge", cfg.maxAge),
	)

	if cfg.backgroundInterval > 0 {
		c.startBackgroundCleanup(cfg.backgroundInterval)
	}

	return c, nil
}

// AddIndex registers a new named secondary index over c, deriving each
// entry's key via keyFn. Indexes should be added before the cache is
// populated; an index added later starts empty until the next rebuild.
func AddIndex[K comparable, V any](c *Cache[V], name string, keyFn func(V) K, opts ...IndexOption[K, V]) (*Index[K, V], error) {
	if keyFn == nil {
		return nil, invalidConfigf("AddIndex %q: keyFn must not be nil", name)
	}

	ix := newIndex[K, V](name, keyFn, c.manager, c.tryAdd, c.logger, opts...)

	c.indexMu.Lock()
	if _, exists := c.indexes[name]; exists {
		c.indexMu.Unlock()
		return nil, invalidConfigf("AddIndex %q: already registered", name)
	}
	c.indexes[name] = ix
	c.indexMu.Unlock()

	c.manager.registerRebuildCallback(func() { ix.rebuild() })

	return ix, nil
}

// GetIndex returns the named index, type-asserting it against the
// requested key type K. It reports false on a missing name or a
// key-type mismatch with whatever index was registered under that name.
func GetIndex[K comparable, V any](c *Cache[V], name string) (*Index[K, V], bool) {
	c.indexMu.RLock()
	h, ok := c.indexes[name]
	c.indexMu.RUnlock()
	if !ok {
		return nil, false
	}
	ix, ok := h.(*Index[K, V])
	return ix, ok
}

// Get is a convenience wrapper that forwards to the named index's Get.
func Get[K comparable, V any](ctx context.Context, c *Cache[V], indexName string, key K, factory ...FactoryFunc[K, V]) (V, error) {
	var zero V
	ix, ok := GetIndex[K, V](c, indexName)
	if !ok {
		return zero, invalidConfigf("Get: no index %q for key type %T", indexName, key)
	}
	return ix.Get(ctx, key, factory...)
}

// Add inserts value, deduplicating against every registered index. If an
// equivalent value is already present, Add is a no-op from the caller's
// perspective - the incumbent remains canonical.
func (c *Cache[V]) Add(_ context.Context, value V) error {
	c.tryAdd(value)
	return nil
}

// tryAdd is the internal canonicalization algorithm described above.
func (c *Cache[V]) tryAdd(value V) *entry[V] {
	for _, h := range c.indexSnapshot() {
		if existing, ok := h.findByItem(value); ok {
			if v, _, hasValue := existing.snapshot(); hasValue && reflect.DeepEqual(v, value) {
				return existing
			}
		}
	}

	candidate := c.manager.add(value)

	isDuplicate := false
	var accepted []indexHandle[V]
	for _, h := range c.indexSnapshot() {
		if h.add(candidate) {
			accepted = append(accepted, h)
		} else {
			isDuplicate = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !isDuplicate {
		c.manager.touchCurrent(candidate)
		c.manager.checkValidity()
		return candidate
	}

	// At least one index refused candidate, so it loses the race. Undo
	// the indexes that did accept it first - otherwise they would keep
	// pointing at an entry that is never linked into the bag ring and
	// never reachable through the index that rejected it, splitting the
	// indexes' view of what this Add's canonical entry is.
	for _, h := range accepted {
		h.removeStale(candidate)
	}

	for _, h := range c.indexSnapshot() {
		if existing, ok := h.findByItem(value); ok {
			return existing
		}
	}
	// At least one index reported a collision yet none can produce the winner -
	// the winner was itself evicted between the add loop and this scan.
	// Re-register the candidate in every index before linking it into the
	// bag ring: the stale collisions that blocked it the first time are
	// gone now, so this should succeed everywhere. Without this, the
	// candidate would become live in the manager yet unreachable through
	// any index - a ghost entry that only cleanup would ever see again.
	for _, h := range c.indexSnapshot() {
		h.add(candidate)
	}
	c.manager.touchCurrent(candidate)
	c.manager.checkValidity()
	return candidate
}

func (c *Cache[V]) indexSnapshot() []indexHandle[V] {
	c.indexMu.RLock()
	defer c.indexMu.RUnlock()
	out := make([]indexHandle[V], 0, len(c.indexes))
	for _, h := range c.indexes {
		out = append(out, h)
	}
	return out
}

// Clear empties every index, then the lifespan manager itself.
func (c *Cache[V]) Clear() {
	for _, h := range c.indexSnapshot() {
		h.clear()
	}
	c.manager.clear()
}

// Statistics returns a point-in-time snapshot of the cache's internal
// counters. Rendering, exporting, or aggregating these is left entirely
// to the caller.
func (c *Cache[V]) Statistics() Statistics {
	stats := c.manager.statisticsSnapshot()
	for _, h := range c.indexSnapshot() {
		hits, misses := h.hitMiss()
		stats.Hits += hits
		stats.Misses += misses
	}
	return stats
}

