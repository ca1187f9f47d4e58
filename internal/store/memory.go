package store

import (
	"context"
	"sync"
)

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data *tables
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newTables()}
}

func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.snapshot(), nil
}

func (m *MemoryStore) Commit(_ context.Context, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.apply(batch)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
