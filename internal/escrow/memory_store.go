package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gigmarket/trustcore/internal/ledger"
)

// MemoryStore is an in-memory escrow store for demo/development mode. It
// posts ledger entries to a ledger.MemoryStore inside the same critical
// section as the status change.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	ledger  *ledger.MemoryStore
}

// NewMemoryStore creates a new in-memory escrow store posting to l.
func NewMemoryStore(l *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		ledger:  l,
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.escrows {
		if existing.JobID == e.JobID && !existing.Status.Terminal() {
			return ErrActiveEscrow
		}
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

// Commit applies t atomically. The entries are checked against the ledger
// first, then Attach is called with a nil Executor, then the entries are
// appended; a failure at any step leaves nothing written.
func (m *MemoryStore) Commit(ctx context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[t.Next.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != t.From || cur.Version != t.Next.Version-1 {
		return ErrStaleState
	}
	if err := ledger.Validate(t.Entries...); err != nil {
		return err
	}
	if err := m.ledger.Check(t.Entries...); err != nil {
		return err
	}
	if t.Attach != nil {
		if err := t.Attach(ctx, nil); err != nil {
			return err
		}
	}
	if len(t.Entries) > 0 {
		if err := m.ledger.Append(ctx, t.Entries...); err != nil {
			return err
		}
	}
	m.escrows[t.Next.ID] = t.Next.Clone()
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.IsParty(userID) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListDeliveredBefore(_ context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusFunded && !e.ReviewRequired && e.DeliveredAt != nil && !e.DeliveredAt.After(cutoff) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeliveredAt.Before(*result[j].DeliveredAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
