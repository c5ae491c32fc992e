package fraud

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory alert store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*Alert)}
}

func (m *MemoryStore) UpsertPending(_ context.Context, candidate *Alert, since time.Time) (*Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Alert
	for _, a := range m.alerts {
		if a.Subject != candidate.Subject || a.Type != candidate.Type || a.Status != StatusPending {
			continue
		}
		if a.UpdatedAt.Before(since) {
			continue
		}
		if latest == nil || a.UpdatedAt.After(latest.UpdatedAt) {
			latest = a
		}
	}
	if latest != nil {
		latest.merge(candidate)
		return latest.Clone(), false, nil
	}
	m.alerts[candidate.ID] = candidate.Clone()
	return candidate.Clone(), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) Review(_ context.Context, a *Alert, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.alerts[a.ID]
	if !ok {
		return ErrAlertNotFound
	}
	if cur.Status != from {
		return ErrStaleAlert
	}
	cur.Status = a.Status
	cur.ReviewedBy = a.ReviewedBy
	cur.ReviewedAt = a.Clone().ReviewedAt
	cur.ReviewNote = a.ReviewNote
	cur.UpdatedAt = a.UpdatedAt
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Alert, 0)
	for _, a := range m.alerts {
		if f.matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
