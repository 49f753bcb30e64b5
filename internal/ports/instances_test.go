package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesReuseOnlyAfterRelease(t *testing.T) {
	in, err := NewInstances(2)
	require.NoError(t, err)

	a, err := in.Acquire()
	require.NoError(t, err)
	b, err := in.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)

	_, err = in.Acquire()
	require.ErrorIs(t, err, ErrExhaustedRange)

	in.Release(a)
	in.Release(7)
	c, err := in.Acquire()
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestInstancesConcurrentHoldersAreDistinct(t *testing.T) {
	const holders = 8
	in, err := NewInstances(holders)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[int]bool{}
		wg   sync.WaitGroup
	)
	for range holders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := in.Acquire()
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[n], "instance %d held twice", n)
			seen[n] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, holders)
}

func TestNewInstancesRejectsEmpty(t *testing.T) {
	_, err := NewInstances(0)
	require.Error(t, err)
}
