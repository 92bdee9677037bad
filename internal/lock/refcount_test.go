package locking

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefCount(t *testing.T) {
	r := NewRefCount()
	require.EqualValues(t, 1, r.Get())

	require.True(t, r.Inc())
	zero, ok := r.Dec()
	require.True(t, ok)
	require.False(t, zero)

	zero, ok = r.Dec()
	require.True(t, ok)
	require.True(t, zero)

	// dead counter
	require.False(t, r.Inc())
	_, ok = r.Dec()
	require.False(t, ok)
	require.EqualValues(t, 0, r.Get())
}

func TestRefCount_Concurrent(t *testing.T) {
	r := NewRefCount()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Inc()
			r.Dec()
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, r.Get())
	require.Equal(t, "RefCount: 1", r.String())
}
