package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeReturnsDisjointTriples(t *testing.T) {
	p, err := NewPool(13000, 13006)
	require.NoError(t, err)

	first, err := p.Take(3)
	require.NoError(t, err)
	second, err := p.Take(3)
	require.NoError(t, err)

	require.Equal(t, []int{13000, 13001, 13002}, first)
	require.Equal(t, []int{13003, 13004, 13005}, second)
	for _, a := range first {
		require.NotContains(t, second, a)
	}
}

func TestTakeWrapsAround(t *testing.T) {
	p, err := NewPool(100, 105)
	require.NoError(t, err)

	_, err = p.Take(3)
	require.NoError(t, err)
	got, err := p.Take(3)
	require.NoError(t, err)
	require.Equal(t, []int{103, 104, 100}, got)
}

func TestTakeRejectsMoreThanRange(t *testing.T) {
	p, err := NewPool(100, 102)
	require.NoError(t, err)

	_, err = p.Take(3)
	require.ErrorIs(t, err, ErrExhaustedRange)

	got, err := p.Take(2)
	require.NoError(t, err)
	require.Equal(t, []int{100, 101}, got)
}

func TestNewPoolValidatesRange(t *testing.T) {
	testCases := []struct {
		name     string
		min, max int
	}{
		{name: "empty", min: 100, max: 100},
		{name: "inverted", min: 200, max: 100},
		{name: "zero min", min: 0, max: 10},
		{name: "above max port", min: 65000, max: 70000},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPool(tc.min, tc.max)
			require.Error(t, err)
		})
	}
}

func TestConcurrentTakesNeverOverlapWithinOneLap(t *testing.T) {
	p, err := NewPool(20000, 20300)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Take(3)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, port := range got {
				assert.False(t, seen[port], "port %d issued twice", port)
				seen[port] = true
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 300)
}

func TestTakeRangeStaysContiguous(t *testing.T) {
	p, err := NewPool(100, 107)
	require.NoError(t, err)

	lo, hi, err := p.TakeRange(3)
	require.NoError(t, err)
	assert.Equal(t, [2]int{100, 103}, [2]int{lo, hi})

	lo, hi, err = p.TakeRange(3)
	require.NoError(t, err)
	assert.Equal(t, [2]int{103, 106}, [2]int{lo, hi})

	// One port left before the end: the next block starts over.
	lo, hi, err = p.TakeRange(3)
	require.NoError(t, err)
	assert.Equal(t, [2]int{100, 103}, [2]int{lo, hi})

	_, _, err = p.TakeRange(8)
	require.ErrorIs(t, err, ErrExhaustedRange)
}
