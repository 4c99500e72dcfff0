package fluidcaching

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

/*
agebag_test.go validates AgeBag in isolation: open/close/reopen
transitions and the lock-free prepend/detach primitives entry.touch and
lifespanManager.cleanBag build on.
*/

func TestAgeBagStartsOpen(t *testing.T) {
	now := time.Now()
	bag := newAgeBag[int](now)

	require.False(t, bag.isClosed())
	_, ok := bag.stop()
	require.False(t, ok)
}

func TestAgeBagCloseThenReopen(t *testing.T) {
	now := time.Now()
	bag := newAgeBag[int](now)

	closedAt := now.Add(time.Second)
	bag.close(closedAt)

	require.True(t, bag.isClosed())
	stopTime, ok := bag.stop()
	require.True(t, ok)
	require.True(t, stopTime.Equal(closedAt))

	reopenedAt := closedAt.Add(time.Second)
	bag.reopen(reopenedAt)

	require.False(t, bag.isClosed())
	require.Nil(t, bag.head.Load())
}

func TestAgeBagPrependBuildsLIFOChain(t *testing.T) {
	bag := newAgeBag[string](time.Now())

	a := newEntry("a")
	b := newEntry("b")
	c := newEntry("c")

	bag.prepend(a)
	bag.prepend(b)
	bag.prepend(c)

	require.Same(t, c, bag.head.Load())
	require.Same(t, b, c.next.Load())
	require.Same(t, a, b.next.Load())
	require.Nil(t, a.next.Load())
}

func TestAgeBagDetachEmptiesTheChain(t *testing.T) {
	bag := newAgeBag[string](time.Now())
	bag.prepend(newEntry("only"))

	head := bag.detach()
	require.NotNil(t, head)
	require.Nil(t, bag.head.Load())
}

func TestAgeBagConcurrentPrependLosesNoEntry(t *testing.T) {
	bag := newAgeBag[int](time.Now())

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bag.prepend(newEntry(i))
		}(i)
	}
	wg.Wait()

	count := 0
	for node := bag.head.Load(); node != nil; node = node.next.Load() {
		count++
	}
	require.Equal(t, n, count, "concurrent prepends onto the same bag must never lose an entry")
}
