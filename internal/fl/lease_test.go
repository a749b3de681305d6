package fl

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeaseMapExclusion(t *testing.T) {
	leases := NewLeaseMap()

	assert.True(t, leases.TryAcquire("h1"))
	assert.False(t, leases.TryAcquire("h1"))
	assert.True(t, leases.Held("h1"))

	// Leases are per-tenant, not global.
	assert.True(t, leases.TryAcquire("h2"))

	leases.Release("h1")
	assert.False(t, leases.Held("h1"))
	assert.True(t, leases.TryAcquire("h1"))
}

func TestLeaseMapSingleWinnerUnderContention(t *testing.T) {
	leases := NewLeaseMap()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if leases.TryAcquire("h1") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
