package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/gigmarket/trustcore/internal/apperr"
)

// ErrObjectNotFound is returned by Get for an unknown key.
var ErrObjectNotFound = fmt.Errorf("%w: evidence object not found", apperr.ErrNotFound)

// PostgresStore keeps attachment bytes in the evidence_objects table. It
// suits deployments without a blob service; objects are capped by the
// vault's policy.
type PostgresStore struct {
	db *sql.DB
}

var _ ObjectStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed object store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put writes the object once. Repeating a Put with the same bytes is a
// no-op; different bytes under an existing key are a conflict.
func (p *PostgresStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("object %s: read %d bytes, expected %d", key, len(data), size)
	}
	sum := sha256.Sum256(data)

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO evidence_objects (key, content_type, size, sha256, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING`,
		key, contentType, size, sum[:], data,
	)
	if err != nil {
		return fmt.Errorf("failed to store object: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var existing []byte
	err = p.db.QueryRowContext(ctx, `SELECT sha256 FROM evidence_objects WHERE key = $1`, key).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to check existing object: %w", err)
	}
	if !bytes.Equal(existing, sum[:]) {
		return fmt.Errorf("%w: object %s already stored with different content", apperr.ErrConflict, key)
	}
	return nil
}

// Get returns the stored bytes and content type for key.
func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT data, content_type FROM evidence_objects WHERE key = $1`, key,
	).Scan(&data, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrObjectNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}
