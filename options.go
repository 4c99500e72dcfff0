package fluidcaching

import (
	"time"

	"go.uber.org/zap"
)

/*
Option defines a functional configuration modifier for Cache, following
the usual functional-options pattern, applied here to the full set of
construction parameters: capacity,
the two soft-LRU age bounds, the clock, an optional external validator,
a structured logger, and an optional background cleanup assist.

    cache, err := New[Order](
        WithCapacity[Order](50_000),
        WithMinAge[Order](time.Minute),
        WithMaxAge[Order](30*time.Minute),
        WithLogger[Order](logger),
    )

Each Option mutates a *cacheConfig[V] before New validates and freezes
it into a Cache.
*/

type cacheConfig[V any] struct {
	capacity           int
	minAge             time.Duration
	maxAge             time.Duration
	now                func() time.Time
	validateFn         func() bool
	logger             *zap.Logger
	backgroundInterval time.Duration
}

func defaultConfig[V any]() *cacheConfig[V] {
	return &cacheConfig[V]{
		capacity: 10_000,
		minAge:   5 * time.Minute,
		maxAge:   time.Hour,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
}

func (cfg *cacheConfig[V]) validate() error {
	if cfg.capacity <= 0 {
		return invalidConfigf("capacity must be positive, got %d", cfg.capacity)
	}
	if cfg.minAge < 0 || cfg.maxAge <= 0 {
		return invalidConfigf("minAge and maxAge must be non-negative, maxAge must be positive")
	}
	if cfg.maxAge > maxEffectiveMaxAge {
		cfg.maxAge = maxEffectiveMaxAge
	}
	if cfg.minAge > cfg.maxAge {
		return invalidConfigf("minAge (%s) must not exceed maxAge (%s)", cfg.minAge, cfg.maxAge)
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return nil
}

// Option configures a Cache at construction time.
type Option[V any] func(*cacheConfig[V])

// WithCapacity sets the soft capacity used by the cleanup pass to decide
// when a closed bag's entries are "over capacity and old enough" to
// evict ahead of maxAge.
func WithCapacity[V any](capacity int) Option[V] {
	return func(cfg *cacheConfig[V]) { cfg.capacity = capacity }
}

// WithMinAge sets the minimum time an entry is protected from
// capacity-driven eviction, regardless of how far over capacity the
// cache runs.
func WithMinAge[V any](d time.Duration) Option[V] {
	return func(cfg *cacheConfig[V]) { cfg.minAge = d }
}

// WithMaxAge sets the maximum time an entry may go untouched before it is
// evicted outright. Values above 12 hours are clamped to 12 hours by
// cacheConfig.validate.
func WithMaxAge[V any](d time.Duration) Option[V] {
	return func(cfg *cacheConfig[V]) { cfg.maxAge = d }
}

// WithNowFunc overrides the clock used for aging decisions, primarily
// for deterministic tests.
func WithNowFunc[V any](now func() time.Time) Option[V] {
	return func(cfg *cacheConfig[V]) { cfg.now = now }
}

// WithValidateFunc installs an external predicate consulted at the start
// of every cleanup pass; a false result clears the entire cache, the
// same escape hatch the aged-out reset uses.
func WithValidateFunc[V any](fn func() bool) Option[V] {
	return func(cfg *cacheConfig[V]) { cfg.validateFn = fn }
}

// WithLogger installs a structured logger for the ambient operability
// events cleanup, aged-out reset, and index rebuild emit. The default is
// a no-op logger.
func WithLogger[V any](logger *zap.Logger) Option[V] {
	return func(cfg *cacheConfig[V]) { cfg.logger = logger }
}

// WithBackgroundCleanup starts a ticker-driven goroutine that calls the
// lifespan manager's opportunistic cleanup on a fixed interval, as a
// complement to (never a replacement for) the per-touch opportunistic
// trigger - useful for a cache that otherwise sits idle long enough for
// maxAge-expired entries to linger unevicted. See janitor.go: the same
// ticker-goroutine shape, driving checkValidity instead of an
// unconditional sweep.
func WithBackgroundCleanup[V any](interval time.Duration) Option[V] {
	return func(cfg *cacheConfig[V]) { cfg.backgroundInterval = interval }
}
