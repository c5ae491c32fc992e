package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/gigmarket/trustcore/internal/ledger"
	"github.com/gigmarket/trustcore/internal/money"
)

// PostgresStore persists escrows in PostgreSQL. A transition's status
// update, ledger entries and attached writes share one SQL transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, job_id, client_id, freelancer_id, amount, currency, status,
		       funding_source, capture_ref, fee_amount, review_required,
		       client_cancel, freelancer_cancel, version, created_at,
		       funded_at, delivered_at, released_at, refunded_at, cancelled_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, job_id, client_id, freelancer_id, amount, currency, status,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.JobID, e.ClientID, e.FreelancerID, int64(e.Amount), e.Currency, e.Status.String(),
		e.Version, e.CreatedAt, e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrActiveEscrow
	}
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Commit updates the row only if it still has the expected status and
// version (update-where-status-matches), then appends the ledger entries
// and runs Attach in the same transaction.
func (p *PostgresStore) Commit(ctx context.Context, t Transition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin escrow commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	e := t.Next
	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, funding_source = $2, capture_ref = $3, fee_amount = $4,
			review_required = $5, client_cancel = $6, freelancer_cancel = $7,
			version = $8, funded_at = $9, delivered_at = $10, released_at = $11,
			refunded_at = $12, cancelled_at = $13, updated_at = $14
		WHERE id = $15 AND status = $16 AND version = $17`,
		e.Status.String(), nullString(e.FundingSource), nullString(e.CaptureRef), int64(e.FeeAmount),
		e.ReviewRequired, e.ClientCancel, e.FreelancerCancel,
		e.Version, nullTime(e.FundedAt), nullTime(e.DeliveredAt), nullTime(e.ReleasedAt),
		nullTime(e.RefundedAt), nullTime(e.CancelledAt), e.UpdatedAt,
		e.ID, t.From.String(), e.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check escrow: %w", err)
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrStaleState
	}

	if err := ledger.AppendTx(ctx, tx, t.Entries...); err != nil {
		return err
	}
	if t.Attach != nil {
		if err := t.Attach(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit escrow transition: %w", err)
	}
	ledger.Posted(t.Entries)
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE client_id = $1 OR freelancer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'funded'
		  AND NOT review_required
		  AND delivered_at IS NOT NULL
		  AND delivered_at <= $1
		ORDER BY delivered_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount, fee   int64
		status        string
		fundingSource sql.NullString
		captureRef    sql.NullString
		fundedAt      sql.NullTime
		deliveredAt   sql.NullTime
		releasedAt    sql.NullTime
		refundedAt    sql.NullTime
		cancelledAt   sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.JobID, &e.ClientID, &e.FreelancerID, &amount, &e.Currency, &status,
		&fundingSource, &captureRef, &fee, &e.ReviewRequired,
		&e.ClientCancel, &e.FreelancerCancel, &e.Version, &e.CreatedAt,
		&fundedAt, &deliveredAt, &releasedAt, &refundedAt, &cancelledAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	e.Amount = money.Amount(amount)
	e.FeeAmount = money.Amount(fee)
	e.FundingSource = fundingSource.String
	e.CaptureRef = captureRef.String
	e.FundedAt = timePtr(fundedAt)
	e.DeliveredAt = timePtr(deliveredAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.CancelledAt = timePtr(cancelledAt)
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
