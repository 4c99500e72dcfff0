package fluidcaching

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

/*
index_test.go validates Index in isolation against a lifespan manager,
without going through the Cache facade: lazy-factory population, the
Deferred[V] contract, singleflight collapsing of concurrent misses, and
rebuild-from-iteration.
*/

type widget struct {
	id   int
	name string
}

func newTestIndex(t *testing.T, mgr *lifespanManager[widget]) *Index[int, widget] {
	t.Helper()
	insert := func(v widget) *entry[widget] {
		e := mgr.add(v)
		mgr.touchCurrent(e)
		return e
	}
	return newIndex[int, widget]("byID", func(w widget) int { return w.id }, mgr, insert, zap.NewNop())
}

func TestIndexGetMissWithoutFactoryReturnsZeroValue(t *testing.T) {
	mgr := newLifespanManager[widget](100, time.Minute, time.Hour, time.Now, nil, zap.NewNop())
	ix := newTestIndex(t, mgr)

	v, err := ix.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestIndexGetPopulatesFromFactoryOnMiss(t *testing.T) {
	mgr := newLifespanManager[widget](100, time.Minute, time.Hour, time.Now, nil, zap.NewNop())
	ix := newTestIndex(t, mgr)

	var calls int64
	factory := func(_ context.Context, key int) (*Deferred[widget], error) {
		atomic.AddInt64(&calls, 1)
		return Found(widget{id: key, name: "loaded"}), nil
	}

	v, err := ix.Get(context.Background(), 5, factory)
	require.NoError(t, err)
	require.Equal(t, widget{id: 5, name: "loaded"}, v)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))

	// Second Get is a hit, the factory must not run again.
	v2, err := ix.Get(context.Background(), 5, factory)
	require.NoError(t, err)
	require.Equal(t, v, v2)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestIndexGetPropagatesDeliberateMiss(t *testing.T) {
	mgr := newLifespanManager[widget](100, time.Minute, time.Hour, time.Now, nil, zap.NewNop())
	ix := newTestIndex(t, mgr)

	factory := func(_ context.Context, _ int) (*Deferred[widget], error) {
		return NotFound[widget](), nil
	}

	v, err := ix.Get(context.Background(), 9, factory)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestIndexGetFactoryContractViolationReturnsInvalidArgument(t *testing.T) {
	mgr := newLifespanManager[widget](100, time.Minute, time.Hour, time.Now, nil, zap.NewNop())
	ix := newTestIndex(t, mgr)

	factory := func(_ context.Context, _ int) (*Deferred[widget], error) {
		return nil, nil
	}

	_, err := ix.Get(context.Background(), 1, factory)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestIndexGetConcurrentMissesInvokeFactoryOnce(t *testing.T) {
	mgr := newLifespanManager[widget](1000, time.Minute, time.Hour, time.Now, nil, zap.NewNop())
	ix := newTestIndex(t, mgr)

	var calls int64
	factory := func(_ context.Context, key int) (*Deferred[widget], error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(time.Millisecond)
		return Found(widget{id: key, name: "shared"}), nil
	}

	const n = 200
	var wg sync.WaitGroup
	results := make([]widget, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := ix.Get(context.Background(), 1, factory)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&calls), "singleflight must collapse concurrent misses on the same key")
	hits, misses := ix.hitMiss()
	require.Equal(t, int64(0), hits)
	require.Equal(t, int64(1), misses, "N concurrent misses on one key must collapse to a single counted miss")
	for _, v := range results {
		require.Equal(t, widget{id: 1, name: "shared"}, v)
	}
}

func TestIndexRemoveEvictsEntry(t *testing.T) {
	mgr := newLifespanManager[widget](100, time.Minute, time.Hour, time.Now, nil, zap.NewNop())
	ix := newTestIndex(t, mgr)

	e := mgr.add(widget{id: 1, name: "x"})
	mgr.touchCurrent(e)
	ix.add(e)

	ix.Remove(1)

	_, ok := ix.lookupLive(1)
	require.False(t, ok)
	_, _, hasValue := e.snapshot()
	require.False(t, hasValue)
}

func TestIndexAddRefusesToOverwriteLiveEntry(t *testing.T) {
	mgr := newLifespanManager[widget](100, time.Minute, time.Hour, time.Now, nil, zap.NewNop())
	ix := newTestIndex(t, mgr)

	first := mgr.add(widget{id: 1, name: "first"})
	mgr.touchCurrent(first)
	require.True(t, ix.add(first))

	second := mgr.add(widget{id: 1, name: "second"})
	mgr.touchCurrent(second)
	require.False(t, ix.add(second), "adding a second entry under an already-live key must be refused")

	v, ok := ix.FindByItem(widget{id: 1})
	require.True(t, ok)
	require.Equal(t, "first", v.name)
}

func TestIndexRebuildRepopulatesFromLiveEntries(t *testing.T) {
	mgr := newLifespanManager[widget](100, time.Minute, time.Hour, time.Now, nil, zap.NewNop())
	ix := newTestIndex(t, mgr)

	for i := 0; i < 5; i++ {
		e := mgr.add(widget{id: i, name: "x"})
		mgr.touchCurrent(e)
		ix.add(e)
	}

	ix.clear()
	_, ok := ix.lookupLive(0)
	require.False(t, ok)

	size := ix.rebuild()
	require.Equal(t, 5, size)

	for i := 0; i < 5; i++ {
		_, ok := ix.lookupLive(i)
		require.True(t, ok)
	}
}
