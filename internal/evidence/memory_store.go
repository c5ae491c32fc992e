package evidence

import (
	"context"
	"io"
	"sync"
)

// MemoryStore is an in-memory ObjectStore for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	failN   int
	failErr error
}

// NewMemoryStore creates an empty object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// FailNext makes the next n Put calls return err.
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	m.failN, m.failErr = n, err
	m.mu.Unlock()
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return m.failErr
	}
	m.objects[key] = data
	return nil
}

// Object returns the stored bytes for key.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	return b, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ ObjectStore = (*MemoryStore)(nil)
