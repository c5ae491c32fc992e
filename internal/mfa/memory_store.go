package mfa

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps settings and attempts in memory for demo/development
// mode.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]*Settings
	attempts map[string][]*Attempt
}

// NewMemoryStore creates a new in-memory MFA store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings: make(map[string]*Settings),
		attempts: make(map[string][]*Attempt),
	}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.settings[userID]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, st *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[st.UserID] = st.Clone()
	return nil
}

func (m *MemoryStore) ConsumeBackupCode(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.settings[userID]
	if !ok {
		return ErrSettingsNotFound
	}
	for i, h := range st.BackupCodeHashes {
		if h == hash {
			st.BackupCodeHashes = append(st.BackupCodeHashes[:i:i], st.BackupCodeHashes[i+1:]...)
			st.BackupCodesUsed++
			return nil
		}
	}
	return ErrBackupCodeUsed
}

func (m *MemoryStore) Record(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attempts[a.UserID] = append(m.attempts[a.UserID], &cp)
	return nil
}

// ListByUser returns the newest attempts first.
func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.attempts[userID]
	result := make([]*Attempt, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		cp := *list[i]
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].At.After(result[j].At) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var (
	_ Store        = (*MemoryStore)(nil)
	_ AttemptStore = (*MemoryStore)(nil)
)
