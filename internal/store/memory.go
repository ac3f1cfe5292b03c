package store

import (
	"context"
	"sync"

	"github.com/aiborg-ai/appboardguru-sub014/internal/core"
)

// MemoryStore is the in-process VersionedStore used by tests and
// single-node development deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "record %s not found", key)
	}
	// Copy so callers cannot mutate the stored value in place.
	value := make([]byte, len(rec.Value))
	copy(value, rec.Value)
	return &Record{Key: rec.Key, Value: value, Version: rec.Version}, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := int64(1)
	if rec, ok := m.records[key]; ok {
		version = rec.Version + 1
	}
	m.records[key] = &Record{Key: key, Value: append([]byte(nil), value...), Version: version}
	return version, nil
}

func (m *MemoryStore) PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := int64(0)
	if rec, ok := m.records[key]; ok {
		current = rec.Version
	}
	if current != expectedVersion {
		return 0, ErrVersionConflict
	}
	next := current + 1
	m.records[key] = &Record{Key: key, Value: append([]byte(nil), value...), Version: next}
	return next, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}
