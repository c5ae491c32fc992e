package mfa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists MFA settings and attempts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed MFA store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Settings, error) {
	st := &Settings{}
	var (
		secret      []byte
		pendingHash sql.NullString
		pending     pq.StringArray
		hashes      pq.StringArray
		verifiedAt  sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, enabled, encrypted_secret, pending_secret_hash, pending_backup_code_hashes,
		       backup_code_hashes, backup_codes_used, verified_at, created_at, updated_at
		FROM mfa_settings
		WHERE user_id = $1`, userID,
	).Scan(&st.UserID, &st.Enabled, &secret, &pendingHash, &pending,
		&hashes, &st.BackupCodesUsed, &verifiedAt, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	st.EncryptedSecret = secret
	st.PendingSecretHash = pendingHash.String
	st.PendingBackupCodeHashes = []string(pending)
	st.BackupCodeHashes = []string(hashes)
	if verifiedAt.Valid {
		t := verifiedAt.Time
		st.VerifiedAt = &t
	}
	return st, nil
}

func (p *PostgresStore) Save(ctx context.Context, st *Settings) error {
	var verifiedAt sql.NullTime
	if st.VerifiedAt != nil {
		verifiedAt = sql.NullTime{Time: *st.VerifiedAt, Valid: true}
	}
	pendingHash := sql.NullString{String: st.PendingSecretHash, Valid: st.PendingSecretHash != ""}
	pending := st.PendingBackupCodeHashes
	if pending == nil {
		pending = []string{}
	}
	hashes := st.BackupCodeHashes
	if hashes == nil {
		hashes = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mfa_settings (
			user_id, enabled, encrypted_secret, pending_secret_hash, pending_backup_code_hashes,
			backup_code_hashes, backup_codes_used, verified_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			encrypted_secret = EXCLUDED.encrypted_secret,
			pending_secret_hash = EXCLUDED.pending_secret_hash,
			pending_backup_code_hashes = EXCLUDED.pending_backup_code_hashes,
			backup_code_hashes = EXCLUDED.backup_code_hashes,
			backup_codes_used = EXCLUDED.backup_codes_used,
			verified_at = EXCLUDED.verified_at,
			updated_at = EXCLUDED.updated_at`,
		st.UserID, st.Enabled, st.EncryptedSecret, pendingHash, pq.Array(pending),
		pq.Array(hashes), st.BackupCodesUsed, verifiedAt, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save mfa settings: %w", err)
	}
	return nil
}

// ConsumeBackupCode removes hash in a single conditional update, so two
// replicas racing on the same code cannot both succeed.
func (p *PostgresStore) ConsumeBackupCode(ctx context.Context, userID, hash string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE mfa_settings
		SET backup_code_hashes = array_remove(backup_code_hashes, $2),
		    backup_codes_used = backup_codes_used + 1,
		    updated_at = NOW()
		WHERE user_id = $1 AND $2 = ANY(backup_code_hashes)`,
		userID, hash,
	)
	if err != nil {
		return fmt.Errorf("failed to consume backup code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBackupCodeUsed
	}
	return nil
}

func (p *PostgresStore) Record(ctx context.Context, a *Attempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mfa_attempts (id, user_id, method, success, ip, user_agent, anomalous, throttled, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.UserID, string(a.Method), a.Success, a.IP, a.UserAgent, a.Anomalous, a.Throttled, a.At,
	)
	if err != nil {
		return fmt.Errorf("failed to record mfa attempt: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Attempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, method, success, ip, user_agent, anomalous, throttled, attempted_at
		FROM mfa_attempts
		WHERE user_id = $1
		ORDER BY attempted_at DESC
		LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list mfa attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var method string
		if err := rows.Scan(&a.ID, &a.UserID, &method, &a.Success, &a.IP, &a.UserAgent,
			&a.Anomalous, &a.Throttled, &a.At); err != nil {
			return nil, err
		}
		a.Method = Method(method)
		result = append(result, a)
	}
	return result, rows.Err()
}

var (
	_ Store        = (*PostgresStore)(nil)
	_ AttemptStore = (*PostgresStore)(nil)
)
