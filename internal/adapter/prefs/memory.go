package prefs

import (
	"context"
	"strconv"
	"sync"

	"surfacebroker/internal/domain"
)

// MemoryStore keeps preferences for the lifetime of the process.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok {
		return v, true, nil
	}
	d, ok := Defaults[key]
	return d, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok {
		cur = Defaults[key]
	}
	n, err := parseCounter(key, cur)
	if err != nil {
		return 0, err
	}
	n += delta
	m.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ domain.PreferenceStore = (*MemoryStore)(nil)
