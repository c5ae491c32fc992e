//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/trustcore/internal/ledger"
	"github.com/gigmarket/trustcore/internal/testutil"
)

func newPGEscrow(id, jobID string, now time.Time) *Escrow {
	return &Escrow{
		ID:           id,
		JobID:        jobID,
		ClientID:     client,
		FreelancerID: freelancer,
		Amount:       10_000,
		Currency:     "usd",
		Status:       StatusPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func bumped(e *Escrow, to Status) *Escrow {
	n := e.Clone()
	n.Status = to
	n.Version++
	n.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	return n
}

func TestPostgres_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.Create(ctx, newPGEscrow("esc_pg1", "job_1", now)))

	got, err := store.Get(ctx, "esc_pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.FundedAt)
	assert.True(t, now.Equal(got.CreatedAt))

	_, err = store.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	err = store.Create(ctx, newPGEscrow("esc_pg2", "job_1", now))
	assert.ErrorIs(t, err, ErrActiveEscrow)
}

func TestPostgres_CommitWithLedgerEntries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	ledgers := ledger.NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := newPGEscrow("esc_pg1", "job_1", now)
	require.NoError(t, store.Create(ctx, e))

	funded := bumped(e, StatusFunded)
	funded.FundingSource = source
	funded.CaptureRef = "cap_1"
	funded.FundedAt = &now
	require.NoError(t, store.Commit(ctx, Transition{Next: funded, From: StatusPending}))

	released := bumped(funded, StatusReleased)
	released.FeeAmount = 1000
	released.ReleasedAt = &now
	entry := ledger.NewEntry(freelancer, 9000, ledger.TypeEscrowRelease, e.ID)
	require.NoError(t, store.Commit(ctx, Transition{Next: released, From: StatusFunded, Entries: []*ledger.Entry{entry}}))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, "cap_1", got.CaptureRef)
	require.NotNil(t, got.ReleasedAt)

	entries, err := ledgers.EntriesByEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 9000, entries[0].Amount)

	// A terminal escrow no longer blocks a new one for the job.
	assert.NoError(t, store.Create(ctx, newPGEscrow("esc_pg2", "job_1", now)))
}

func TestPostgres_CommitStale(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := newPGEscrow("esc_pg1", "job_1", now)
	require.NoError(t, store.Create(ctx, e))
	require.NoError(t, store.Commit(ctx, Transition{Next: bumped(e, StatusFunded), From: StatusPending}))

	// Same read version committed twice: the second loses.
	err := store.Commit(ctx, Transition{Next: bumped(e, StatusCancelled), From: StatusPending})
	assert.ErrorIs(t, err, ErrStaleState)

	ghost := newPGEscrow("esc_ghost", "job_9", now)
	err = store.Commit(ctx, Transition{Next: bumped(ghost, StatusFunded), From: StatusPending})
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgres_AttachFailureRollsBack(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	ledgers := ledger.NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := newPGEscrow("esc_pg1", "job_1", now)
	require.NoError(t, store.Create(ctx, e))
	funded := bumped(e, StatusFunded)
	require.NoError(t, store.Commit(ctx, Transition{Next: funded, From: StatusPending}))

	boom := errors.New("dispute insert failed")
	err := store.Commit(ctx, Transition{
		Next:    bumped(funded, StatusReleased),
		From:    StatusFunded,
		Entries: []*ledger.Entry{ledger.NewEntry(freelancer, 9000, ledger.TypeEscrowRelease, e.ID)},
		Attach: func(ctx context.Context, exec Executor) error {
			require.NotNil(t, exec)
			_, err := exec.ExecContext(ctx, `SELECT 1`)
			require.NoError(t, err)
			return boom
		},
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)
	entries, err := ledgers.EntriesByEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPostgres_Lists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, id := range []string{"esc_a", "esc_b", "esc_c"} {
		e := newPGEscrow(id, "job_"+id, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Create(ctx, e))
		funded := bumped(e, StatusFunded)
		delivered := base.Add(time.Duration(i) * time.Hour)
		funded.DeliveredAt = &delivered
		funded.ReviewRequired = id == "esc_b"
		require.NoError(t, store.Commit(ctx, Transition{Next: funded, From: StatusPending}))
	}

	list, err := store.ListByUser(ctx, client, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "esc_c", list[0].ID)

	due, err := store.ListDeliveredBefore(ctx, base.Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "esc_a", due[0].ID)
	assert.Equal(t, "esc_c", due[1].ID)
}

func TestPostgresJobDirectory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	_, err := db.ExecContext(ctx, `
		INSERT INTO job_proposals (id, job_id, freelancer_id, status) VALUES
			('prop_1', 'job_1', 'usr_a', 'accepted'),
			('prop_2', 'job_1', 'usr_b', 'rejected')`)
	require.NoError(t, err)

	dir := NewPostgresJobDirectory(db)
	n, err := dir.AcceptedProposals(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = dir.AcceptedProposals(ctx, "job_2")
	require.NoError(t, err)
	assert.Zero(t, n)
}
