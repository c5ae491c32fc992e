package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Executor is the subset of *sql.DB and *sql.Tx used to append entries.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store with PostgreSQL. The ledger_entries table
// rejects UPDATE and DELETE with a trigger (see migrations).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, entries ...*Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := AppendTx(ctx, tx, entries...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger append: %w", err)
	}
	countAppended(entries)
	return nil
}

// AppendTx writes entries through exec, typically a transaction owned by the
// caller so the postings commit together with the caller's own writes.
func AppendTx(ctx context.Context, exec Executor, entries ...*Entry) error {
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return err
		}
	}
	for _, e := range entries {
		err := exec.QueryRowContext(ctx, `
			INSERT INTO ledger_entries (id, wallet_id, amount, type, escrow_id, reference)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at
		`, e.ID, e.WalletID, int64(e.Amount), string(e.Type), nullString(e.EscrowID), nullString(e.Reference)).
			Scan(&e.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrDuplicateEntry
			}
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

// Debit serializes on the wallet with a transaction-scoped advisory lock so
// concurrent debits from other replicas cannot overdraw it.
func (p *PostgresStore) Debit(ctx context.Context, entry *Entry) error {
	if entry.Amount >= 0 {
		return ErrInvalidAmount
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin debit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.WalletID); err != nil {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}
	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE wallet_id = $1`, entry.WalletID,
	).Scan(&balance); err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance+int64(entry.Amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := AppendTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit debit: %w", err)
	}
	countAppended([]*Entry{entry})
	return nil
}

func (p *PostgresStore) Balance(ctx context.Context, walletID string) (*Balance, error) {
	b := &Balance{WalletID: walletID}
	var balance, credits, debits int64
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0),
			COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0),
			COUNT(*)
		FROM ledger_entries
		WHERE wallet_id = $1
	`, walletID).Scan(&balance, &credits, &debits, &b.Entries)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	b.Balance, b.Credits, b.Debits = minorUnits(balance), minorUnits(credits), minorUnits(debits)
	return b, nil
}

func (p *PostgresStore) Entries(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	return p.query(ctx, `
		SELECT id, wallet_id, amount, type, escrow_id, reference, created_at
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, walletID, limit)
}

func (p *PostgresStore) EntriesByEscrow(ctx context.Context, escrowID string) ([]*Entry, error) {
	return p.query(ctx, `
		SELECT id, wallet_id, amount, type, escrow_id, reference, created_at
		FROM ledger_entries
		WHERE escrow_id = $1
		ORDER BY seq
	`, escrowID)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		var (
			e         Entry
			amt       int64
			typ       string
			escrowID  sql.NullString
			reference sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &amt, &typ, &escrowID, &reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Amount = minorUnits(amt)
		e.Type = EntryType(typ)
		e.EscrowID = escrowID.String
		e.Reference = reference.String
		result = append(result, &e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
