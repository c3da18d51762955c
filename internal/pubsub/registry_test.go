package pubsub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	registry := NewRegistry[string]()

	first := registry.Add("first")
	second := registry.Add("second")
	require.NotEqual(t, first, second)
	assert.Equal(t, 2, registry.Len())

	sink, ok := registry.Get(first)
	require.True(t, ok)
	assert.Equal(t, "first", sink)

	removed, ok := registry.Remove(first)
	require.True(t, ok)
	assert.Equal(t, "first", removed)

	_, ok = registry.Get(first)
	assert.False(t, ok)
	assert.Equal(t, 1, registry.Len())
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	registry := NewRegistry[int]()
	id := registry.Add(7)

	_, ok := registry.Remove(id)
	require.True(t, ok)

	_, ok = registry.Remove(id)
	assert.False(t, ok)

	_, ok = registry.Remove("never-issued")
	assert.False(t, ok)
}

func TestRegistryEntriesSnapshot(t *testing.T) {
	registry := NewRegistry[int]()
	ids := map[SubscriptionID]int{}
	for value := 0; value < 5; value++ {
		ids[registry.Add(value)] = value
	}

	entries := registry.Entries()
	require.Len(t, entries, 5)
	for _, entry := range entries {
		assert.Equal(t, ids[entry.ID], entry.Sink)
	}

	registry.Add(99)
	assert.Len(t, entries, 5, "snapshot must not change after later adds")
}

func TestRegistryConcurrentAddRemove(t *testing.T) {
	registry := NewRegistry[int]()

	var wg sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for iteration := 0; iteration < 100; iteration++ {
				id := registry.Add(worker)
				_ = registry.Entries()
				_, ok := registry.Remove(id)
				assert.True(t, ok)
			}
		}(worker)
	}
	wg.Wait()

	assert.Zero(t, registry.Len())
}
