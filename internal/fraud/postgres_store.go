package fraud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gigmarket/trustcore/internal/risk"
)

// PostgresStore persists alerts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const alertColumns = `id, subject, type, severity, status, detail, score, escrow_id,
		       occurrences, created_at, updated_at, reviewed_by, reviewed_at, review_note`

// UpsertPending serializes on an advisory lock keyed by subject and type,
// so concurrent replicas raising the same rule converge on one row.
func (p *PostgresStore) UpsertPending(ctx context.Context, c *Alert, since time.Time) (*Alert, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, c.Subject+"|"+c.Type); err != nil {
		return nil, false, fmt.Errorf("failed to lock alert key: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM fraud_alerts
		WHERE subject = $1 AND type = $2 AND status = 'pending' AND updated_at >= $3
		ORDER BY updated_at DESC
		LIMIT 1
		FOR UPDATE`, c.Subject, c.Type, since)
	existing, err := scanAlert(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fraud_alerts (
				id, subject, type, severity, status, detail, score, escrow_id,
				occurrences, created_at, updated_at, review_note
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '')`,
			c.ID, c.Subject, c.Type, int(c.Severity), c.Status.String(), c.Detail, c.Score,
			nullString(c.EscrowID), c.Occurrences, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert alert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit alert: %w", err)
		}
		return c.Clone(), true, nil
	case err != nil:
		return nil, false, err
	}

	existing.merge(c)
	_, err = tx.ExecContext(ctx, `
		UPDATE fraud_alerts
		SET severity = $2, detail = $3, score = $4, escrow_id = $5, occurrences = $6, updated_at = $7
		WHERE id = $1`,
		existing.ID, int(existing.Severity), existing.Detail, existing.Score,
		nullString(existing.EscrowID), existing.Occurrences, existing.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit alert: %w", err)
	}
	return existing, false, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Alert, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return a, err
}

func (p *PostgresStore) Review(ctx context.Context, a *Alert, from Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE fraud_alerts
		SET status = $3, reviewed_by = $4, reviewed_at = $5, review_note = $6, updated_at = $7
		WHERE id = $1 AND status = $2`,
		a.ID, from.String(), a.Status.String(), a.ReviewedBy, a.ReviewedAt, a.ReviewNote, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to review alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := p.Get(ctx, a.ID); err != nil {
		return err
	}
	return ErrStaleAlert
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Subject != "" {
		add("subject = $%d", f.Subject)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", f.Status.String())
	}
	if f.MinSeverity > risk.SeverityLow {
		add("severity >= $%d", int(f.MinSeverity))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if f.Before != nil {
		args = append(args, f.Before.CreatedAt, f.Before.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + alertColumns + ` FROM fraud_alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*Alert, error) {
	var (
		a          Alert
		severity   int
		status     string
		escrowID   sql.NullString
		reviewedBy sql.NullString
		reviewedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.Subject, &a.Type, &severity, &status, &a.Detail, &a.Score, &escrowID,
		&a.Occurrences, &a.CreatedAt, &a.UpdatedAt, &reviewedBy, &reviewedAt, &a.ReviewNote,
	)
	if err != nil {
		return nil, err
	}
	a.Severity = risk.Severity(severity)
	a.Status = Status(status)
	a.EscrowID = escrowID.String
	a.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		a.ReviewedAt = &t
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
