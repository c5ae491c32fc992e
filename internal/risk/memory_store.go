package risk

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore is an in-memory ProfileStore and AssessmentStore for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	profiles    map[string]*Profile
	assessments map[string][]*Assessment // subject → assessments, oldest first
}

// NewMemoryStore creates an in-memory risk store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:    make(map[string]*Profile),
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Get(_ context.Context, subject string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[subject]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, profile *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.Subject] = profile.Clone()
	return nil
}

func (s *MemoryStore) Record(_ context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[assessment.Subject] = append(s.assessments[assessment.Subject], copyAssessment(assessment))
	return nil
}

// ListBySubject returns the most recent assessments first, up to limit.
func (s *MemoryStore) ListBySubject(_ context.Context, subject string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[subject]
	start := max(len(all)-limit, 0)

	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, copyAssessment(all[i]))
	}
	return result, nil
}

func copyAssessment(a *Assessment) *Assessment {
	cp := *a
	cp.Factors = maps.Clone(a.Factors)
	if a.Profile != nil {
		cp.Profile = a.Profile.Clone()
	}
	return &cp
}

var (
	_ ProfileStore    = (*MemoryStore)(nil)
	_ AssessmentStore = (*MemoryStore)(nil)
)
