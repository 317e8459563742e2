package settings

import (
	"context"
	"sync"
)

// MemoryStore implements core.SettingsStore in memory. Used in tests and as
// the reference semantics for other backends.
type MemoryStore struct {
	values map[string][]byte
	mu     sync.RWMutex
}

// NewMemoryStore creates an empty in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
	}
}

// Get returns the value for a key and whether it exists.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Set writes a value, last write wins.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

// Update applies an atomic read-modify-write to a single key. The callback
// returning nil bytes deletes the key.
func (m *MemoryStore) Update(ctx context.Context, key string, fn func(old []byte, exists bool) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.values[key]
	next, err := fn(old, exists)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.values, key)
		return nil
	}
	stored := make([]byte, len(next))
	copy(stored, next)
	m.values[key] = stored
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
