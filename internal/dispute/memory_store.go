package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/gigmarket/trustcore/internal/escrow"
	"github.com/gigmarket/trustcore/internal/evidence"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, _ escrow.Executor, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.EscrowID == d.EscrowID && existing.Status.Active() {
			return ErrActiveDispute
		}
	}
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, _ escrow.Executor, d *Dispute, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Status != from {
		return ErrStaleDispute
	}
	next := d.Clone()
	next.Evidence = cur.Evidence
	m.disputes[d.ID] = next
	return nil
}

func (m *MemoryStore) AppendEvidence(_ context.Context, disputeID string, a evidence.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[disputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if !d.Status.Active() {
		return ErrStaleDispute
	}
	d.Evidence = append(d.Evidence, a)
	return nil
}

func (m *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.EscrowID == escrowID {
			result = append(result, d.Clone())
		}
	}
	sortOldestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListActive(_ context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status.Active() {
			result = append(result, d.Clone())
		}
	}
	sortOldestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortOldestFirst(list []*Dispute) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
