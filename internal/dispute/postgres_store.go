package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/gigmarket/trustcore/internal/escrow"
	"github.com/gigmarket/trustcore/internal/evidence"
	"github.com/gigmarket/trustcore/internal/money"
)

// PostgresStore persists disputes in PostgreSQL. Evidence rows are
// append-only (see migrations).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, escrow_id, initiator_id, respondent_id, reason, status,
		       outcome_kind, outcome_ratio, amount, created_at, updated_at,
		       resolved_at, resolved_by, closed_at`

// Create inserts d and its evidence through exec, or in a transaction of
// its own when exec is nil.
func (p *PostgresStore) Create(ctx context.Context, exec escrow.Executor, d *Dispute) error {
	return p.within(ctx, exec, func(exec escrow.Executor) error {
		kind, ratio := outcomeColumns(d.Outcome)
		_, err := exec.ExecContext(ctx, `
			INSERT INTO disputes (
				id, escrow_id, initiator_id, respondent_id, reason, status,
				outcome_kind, outcome_ratio, amount, created_at, updated_at,
				resolved_at, resolved_by, closed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			d.ID, d.EscrowID, d.InitiatorID, d.RespondentID, d.Reason, d.Status.String(),
			kind, ratio, int64(d.Amount), d.CreatedAt, d.UpdatedAt,
			nullTime(d.ResolvedAt), nullString(d.ResolvedBy), nullTime(d.ClosedAt),
		)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrActiveDispute
		}
		if err != nil {
			return fmt.Errorf("failed to insert dispute: %w", err)
		}
		for _, a := range d.Evidence {
			if err := insertEvidence(ctx, exec, d.ID, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadEvidence(ctx, []*Dispute{d}); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) Update(ctx context.Context, exec escrow.Executor, d *Dispute, from Status) error {
	if exec == nil {
		exec = p.db
	}
	kind, ratio := outcomeColumns(d.Outcome)
	res, err := exec.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, outcome_kind = $2, outcome_ratio = $3, updated_at = $4,
			resolved_at = $5, resolved_by = $6, closed_at = $7
		WHERE id = $8 AND status = $9`,
		d.Status.String(), kind, ratio, d.UpdatedAt,
		nullTime(d.ResolvedAt), nullString(d.ResolvedBy), nullTime(d.ClosedAt),
		d.ID, from.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	return p.checkApplied(ctx, exec, res, d.ID)
}

// AppendEvidence touches the dispute only while it is active, so the
// evidence row and a concurrent resolution cannot both land.
func (p *PostgresStore) AppendEvidence(ctx context.Context, disputeID string, a evidence.Attachment) error {
	return p.within(ctx, nil, func(exec escrow.Executor) error {
		res, err := exec.ExecContext(ctx, `
			UPDATE disputes SET updated_at = $1
			WHERE id = $2 AND status IN ('open', 'under_review')`, a.UploadedAt, disputeID)
		if err != nil {
			return fmt.Errorf("failed to touch dispute: %w", err)
		}
		if err := p.checkApplied(ctx, exec, res, disputeID); err != nil {
			return err
		}
		return insertEvidence(ctx, exec, disputeID, a)
	})
}

// checkApplied turns a guarded update that matched no row into
// ErrDisputeNotFound or ErrStaleDispute.
func (p *PostgresStore) checkApplied(ctx context.Context, exec escrow.Executor, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := exec.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check dispute: %w", err)
	}
	if !exists {
		return ErrDisputeNotFound
	}
	return ErrStaleDispute
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return p.list(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at, id`, escrowID)
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Dispute, error) {
	return p.list(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status IN ('open', 'under_review')
		ORDER BY created_at, id
		LIMIT $1`, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := p.loadEvidence(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadEvidence fills in the attachments of ds with one query.
func (p *PostgresStore) loadEvidence(ctx context.Context, ds []*Dispute) error {
	if len(ds) == 0 {
		return nil
	}
	byID := make(map[string]*Dispute, len(ds))
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		d.Evidence = []evidence.Attachment{}
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT dispute_id, id, name, content_type, size, sha256, storage_key, uploaded_by, uploaded_at
		FROM dispute_evidence
		WHERE dispute_id = ANY($1)
		ORDER BY uploaded_at, id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load dispute evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			disputeID   string
			a           evidence.Attachment
			contentType sql.NullString
		)
		if err := rows.Scan(&disputeID, &a.ID, &a.Name, &contentType, &a.Size, &a.SHA256,
			&a.StorageKey, &a.UploadedBy, &a.UploadedAt); err != nil {
			return err
		}
		a.ContentType = contentType.String
		if d, ok := byID[disputeID]; ok {
			d.Evidence = append(d.Evidence, a)
		}
	}
	return rows.Err()
}

// within runs fn on exec, or on a new transaction committed afterwards
// when exec is nil.
func (p *PostgresStore) within(ctx context.Context, exec escrow.Executor, fn func(escrow.Executor) error) error {
	if exec != nil {
		return fn(exec)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvidence(ctx context.Context, exec escrow.Executor, disputeID string, a evidence.Attachment) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO dispute_evidence (
			id, dispute_id, name, content_type, size, sha256, storage_key, uploaded_by, uploaded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, disputeID, a.Name, nullString(a.ContentType), a.Size, a.SHA256,
		a.StorageKey, a.UploadedBy, a.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispute evidence: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		kind       sql.NullString
		ratio      decimal.NullDecimal
		amount     int64
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
		closedAt   sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.EscrowID, &d.InitiatorID, &d.RespondentID, &d.Reason, &status,
		&kind, &ratio, &amount, &d.CreatedAt, &d.UpdatedAt,
		&resolvedAt, &resolvedBy, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	if d.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if kind.Valid {
		k, err := ParseOutcomeKind(kind.String)
		if err != nil {
			return nil, err
		}
		d.Outcome = &Outcome{Kind: k}
		if ratio.Valid {
			d.Outcome.Ratio = ratio.Decimal
		}
	}
	d.Amount = money.Amount(amount)
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		d.ClosedAt = &t
	}
	return d, nil
}

func outcomeColumns(o *Outcome) (sql.NullString, decimal.NullDecimal) {
	if o == nil {
		return sql.NullString{}, decimal.NullDecimal{}
	}
	var ratio decimal.NullDecimal
	if o.Kind == OutcomeSplit {
		ratio = decimal.NullDecimal{Decimal: o.Ratio, Valid: true}
	}
	return sql.NullString{String: o.Kind.String(), Valid: true}, ratio
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
