package fluidcaching

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

/*
bagring_test.go validates the ring-sizing formula and modulo addressing.
*/

func TestRingParamsClampsMaxAgeAndCheckInterval(t *testing.T) {
	nrBags, bagItemLimit, checkInterval := ringParams(1000, 24*time.Hour)

	require.Equal(t, maxCheckInterval, checkInterval, "checkInterval must clamp to 3m for any maxAge above it")
	// maxMaxAge clamps to 12h; spanBags = 12h/3m = 240.
	require.Equal(t, 240+preferredBags+emptyBufferBags, nrBags)
	require.Equal(t, 50, bagItemLimit)
}

func TestRingParamsSmallMaxAgeUsesItAsCheckInterval(t *testing.T) {
	_, _, checkInterval := ringParams(100, time.Minute)
	require.Equal(t, time.Minute, checkInterval)
}

func TestRingParamsBagItemLimitNeverBelowOne(t *testing.T) {
	_, bagItemLimit, _ := ringParams(1, time.Hour)
	require.Equal(t, 1, bagItemLimit)
}

func TestBagRingAtWrapsModuloLength(t *testing.T) {
	ring := newBagRing[int](4, time.Now())

	require.Same(t, ring.bags[0], ring.at(0))
	require.Same(t, ring.bags[1], ring.at(5))
	require.Same(t, ring.bags[3], ring.at(3))
	require.Same(t, ring.bags[0], ring.at(4))
}

func TestBagRingAtPanicsOnNegativeIndex(t *testing.T) {
	ring := newBagRing[int](4, time.Now())
	require.Panics(t, func() { ring.at(-1) })
}

func TestBagRingAtPanicsWithErrOverflowNearMaxInt64(t *testing.T) {
	ring := newBagRing[int](4, time.Now())

	defer func() {
		r := recover()
		require.NotNil(t, r, "an index within the ring's length of math.MaxInt64 must panic")
		err, ok := r.(error)
		require.True(t, ok, "the panic value must be an error")
		require.ErrorIs(t, err, ErrOverflow)
	}()

	ring.at(math.MaxInt64)
}
