package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

// SubscriptionID is unique for the lifetime of the process.
type SubscriptionID string

func newSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.NewString())
}

type Entry[T any] struct {
	ID   SubscriptionID
	Sink T
}

// Registry is a keyed collection of sinks. It knows nothing about kits.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[SubscriptionID]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[SubscriptionID]T)}
}

func (registry *Registry[T]) Add(sink T) SubscriptionID {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	id := newSubscriptionID()
	for {
		if _, taken := registry.entries[id]; !taken {
			break
		}
		id = newSubscriptionID()
	}

	registry.entries[id] = sink
	return id
}

func (registry *Registry[T]) Get(id SubscriptionID) (T, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	sink, ok := registry.entries[id]
	return sink, ok
}

func (registry *Registry[T]) Remove(id SubscriptionID) (T, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	sink, ok := registry.entries[id]
	if ok {
		delete(registry.entries, id)
	}
	return sink, ok
}

// Entries returns a snapshot of the registered sinks in no particular order.
func (registry *Registry[T]) Entries() []Entry[T] {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	output := make([]Entry[T], 0, len(registry.entries))
	for id, sink := range registry.entries {
		output = append(output, Entry[T]{ID: id, Sink: sink})
	}
	return output
}

func (registry *Registry[T]) Len() int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return len(registry.entries)
}
