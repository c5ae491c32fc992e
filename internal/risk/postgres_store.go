package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists risk profiles and assessments in PostgreSQL.
// Tables are created by the goose migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, subject string) (*Profile, error) {
	var (
		p           Profile
		recentJSON  []byte
		originsJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT subject, trust_score, transaction_count, recent, known_origins, updated_at
		FROM risk_profiles
		WHERE subject = $1
	`, subject).Scan(&p.Subject, &p.TrustScore, &p.TransactionCount, &recentJSON, &originsJSON, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk profile: %w", err)
	}
	if err := json.Unmarshal(recentJSON, &p.Recent); err != nil {
		return nil, fmt.Errorf("failed to decode recent observations: %w", err)
	}
	if err := json.Unmarshal(originsJSON, &p.KnownOrigins); err != nil {
		return nil, fmt.Errorf("failed to decode known origins: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Save(ctx context.Context, profile *Profile) error {
	recentJSON, err := json.Marshal(nonNil(profile.Recent))
	if err != nil {
		return fmt.Errorf("failed to marshal observations: %w", err)
	}
	originsJSON, err := json.Marshal(nonNil(profile.KnownOrigins))
	if err != nil {
		return fmt.Errorf("failed to marshal origins: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (subject, trust_score, transaction_count, recent, known_origins, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject) DO UPDATE SET
			trust_score = EXCLUDED.trust_score,
			transaction_count = EXCLUDED.transaction_count,
			recent = EXCLUDED.recent,
			known_origins = EXCLUDED.known_origins,
			updated_at = EXCLUDED.updated_at
	`, profile.Subject, profile.TrustScore, profile.TransactionCount, recentJSON, originsJSON, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save risk profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	eventJSON, err := json.Marshal(a.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, subject, kind, score, severity, fallback, factors, event, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Subject, string(a.Kind), a.Score, a.Severity.String(), a.Fallback, factorsJSON, eventJSON, a.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, kind, score, severity, fallback, factors, event, evaluated_at
		FROM risk_assessments
		WHERE subject = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var (
			a           Assessment
			kind        string
			severity    string
			factorsJSON []byte
			eventJSON   []byte
		)
		if err := rows.Scan(&a.ID, &a.Subject, &kind, &a.Score, &severity, &a.Fallback,
			&factorsJSON, &eventJSON, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Kind = EventKind(kind)
		a.Severity, _ = ParseSeverity(severity)
		a.HighRisk = a.Score >= HighRiskThreshold
		a.Factors = make(map[string]float64)
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		_ = json.Unmarshal(eventJSON, &a.Event)
		result = append(result, &a)
	}
	return result, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var (
	_ ProfileStore    = (*PostgresStore)(nil)
	_ AssessmentStore = (*PostgresStore)(nil)
)
