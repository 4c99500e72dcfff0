package fluidcaching

import (
	"github.com/go-faster/errors"
)

/*
errors.go defines the error kinds fluidcaching surfaces to callers.

================================================================================
ERROR TAXONOMY
================================================================================

Per the error-handling design, only two internal conditions are ever
returned to a caller as errors:

1. ErrInvalidArgument
   - A lazy-loading factory returned a bare nil *Deferred[V] where a
     deferred (possibly-absent) value was expected. This is a
     programming error in the factory, not a cache miss.

2. ErrOverflow
   - Bag-number arithmetic exceeded its maximum representable value.
     The aged-out reset (see lifespan.go) is meant to fire long before
     this can happen; seeing it means that reset did not run. Since this
     is a programming-error condition rather than one any caller can
     sensibly recover from, bagRing.at (bagring.go) raises it as a panic
     wrapping this sentinel - alongside its existing negative-index
     panic - rather than threading an error return through every
     touch/cleanup call site on the hot path. A caller that wants to
     confirm the cause can recover and match with errors.Is.

ErrInvalidConfig, declared below, is separate from these two: it reports
invalid construction or lookup arguments passed to New, AddIndex, or Get.

Everything else - factory failures, context cancellation - is the
caller's own error, returned unchanged and never translated into one of
the two kinds above.

Built on github.com/go-faster/errors so that wrapping preserves
errors.Is/errors.As matching against the sentinel values below, the same
way callers of github.com/pkg/errors-style libraries expect.
*/

var (
	// ErrInvalidArgument is returned when a factory violates the
	// deferred-result contract (see Deferred[V] in index.go).
	ErrInvalidArgument = errors.New("fluidcaching: factory returned no value where a deferred value was expected")

	// ErrOverflow wraps the panic bagRing.at raises when the bag ring's
	// monotonic index would exceed its maximum representable value
	// before an aged-out reset could intervene. Recover and use
	// errors.Is(recovered, ErrOverflow) to confirm the cause.
	ErrOverflow = errors.New("fluidcaching: bag index exceeded its maximum value")

	// ErrInvalidConfig is returned by New when construction parameters are
	// inconsistent (e.g. minAge > maxAge), by AddIndex for a nil keyFn or
	// a duplicate name, and by Get for an unknown index name or key type.
	ErrInvalidConfig = errors.New("fluidcaching: invalid configuration")
)

// invalidConfigf wraps ErrInvalidConfig with a formatted, per-call
// message, preserving errors.Is(err, ErrInvalidConfig) after wrapping.
func invalidConfigf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}
