package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// MemoryJobDirectory records accepted proposals in memory.
type MemoryJobDirectory struct {
	mu       sync.RWMutex
	accepted map[string]int
}

// NewMemoryJobDirectory creates an empty directory.
func NewMemoryJobDirectory() *MemoryJobDirectory {
	return &MemoryJobDirectory{accepted: make(map[string]int)}
}

// Accept records one more accepted proposal on jobID.
func (d *MemoryJobDirectory) Accept(jobID string) {
	d.mu.Lock()
	d.accepted[jobID]++
	d.mu.Unlock()
}

func (d *MemoryJobDirectory) AcceptedProposals(_ context.Context, jobID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.accepted[jobID], nil
}

// PostgresJobDirectory reads the marketplace's job_proposals table.
type PostgresJobDirectory struct {
	db *sql.DB
}

// NewPostgresJobDirectory creates a directory over db.
func NewPostgresJobDirectory(db *sql.DB) *PostgresJobDirectory {
	return &PostgresJobDirectory{db: db}
}

func (d *PostgresJobDirectory) AcceptedProposals(ctx context.Context, jobID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_proposals WHERE job_id = $1 AND status = 'accepted'`, jobID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count accepted proposals: %w", err)
	}
	return n, nil
}

var (
	_ JobDirectory = (*MemoryJobDirectory)(nil)
	_ JobDirectory = (*PostgresJobDirectory)(nil)
)
