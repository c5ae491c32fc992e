package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	byWallet map[string][]*Entry
	ids      map[string]bool
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byWallet: make(map[string][]*Entry),
		ids:      make(map[string]bool),
		now:      time.Now,
	}
}

// Append validates every entry before writing any of them.
func (m *MemoryStore) Append(_ context.Context, entries ...*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entries)
}

func (m *MemoryStore) Debit(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Amount >= 0 {
		return ErrInvalidAmount
	}
	if summarize(entry.WalletID, m.byWallet[entry.WalletID]).Balance+entry.Amount < 0 {
		return ErrInsufficientBalance
	}
	return m.appendLocked([]*Entry{entry})
}

// Check reports the error Append would return for entries without writing
// anything.
func (m *MemoryStore) Check(entries ...*Entry) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkLocked(entries)
}

// Caller must hold m.mu.
func (m *MemoryStore) checkLocked(entries []*Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return err
		}
		if m.ids[e.ID] || seen[e.ID] {
			return ErrDuplicateEntry
		}
		seen[e.ID] = true
	}
	return nil
}

// Caller must hold m.mu.
func (m *MemoryStore) appendLocked(entries []*Entry) error {
	if err := m.checkLocked(entries); err != nil {
		return err
	}
	now := m.now()
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		cp := *e
		m.entries = append(m.entries, &cp)
		m.byWallet[e.WalletID] = append(m.byWallet[e.WalletID], &cp)
		m.ids[e.ID] = true
	}
	countAppended(entries)
	return nil
}

func (m *MemoryStore) Balance(_ context.Context, walletID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return summarize(walletID, m.byWallet[walletID]), nil
}

// Entries returns the most recent entries first.
func (m *MemoryStore) Entries(_ context.Context, walletID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.byWallet[walletID]
	start := max(len(all)-limit, 0)
	result := make([]*Entry, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

// EntriesByEscrow returns entries in posting order.
func (m *MemoryStore) EntriesByEscrow(_ context.Context, escrowID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.EscrowID == escrowID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
