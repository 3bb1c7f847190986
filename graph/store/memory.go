package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Tests and development
//   - Single runs where cached outputs need not outlive the process
//   - Sharing a cache between several engines in one process
//
// Entries are deep-copied on Put and Get, so callers cannot mutate stored
// data. MemStore is thread-safe.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool
}

// NewMemStore creates an empty in-memory store.
//
// Example:
//
//	cache := store.NewMemStore()
//	engine, _ := graph.New(dag, graph.WithStore(cache))
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

// Get returns a copy of the entry for key.
func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Entry{}, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e)
}

// Put stores a copy of entry, replacing any previous entry for the key.
func (m *MemStore) Put(_ context.Context, entry Entry) error {
	if err := ValidateKey(entry.Key); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	c, err := cloneEntry(entry)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[entry.Key] = c
	return nil
}

// Len returns the number of stored entries.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Keys returns every stored key. Order is unspecified.
func (m *MemStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Close marks the store closed. Stored entries are dropped.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}
