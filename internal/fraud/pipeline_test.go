package fraud

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/audit"
	"github.com/gigmarket/trustcore/internal/pagination"
	"github.com/gigmarket/trustcore/internal/risk"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type published struct {
	kind string
	data any
}

type recordingFeed struct {
	mu     sync.Mutex
	events []published
}

func (f *recordingFeed) Publish(kind string, data any) {
	f.mu.Lock()
	f.events = append(f.events, published{kind, data})
	f.mu.Unlock()
}

func (f *recordingFeed) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.kind)
	}
	return out
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) UpsertPending(context.Context, *Alert, time.Time) (*Alert, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingStore) List(context.Context, Filter) ([]*Alert, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	p     *Pipeline
	store *MemoryStore
	feed  *recordingFeed
	audit *audit.MemorySink
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		feed:  &recordingFeed{},
		audit: audit.NewMemorySink(),
		clock: &fakeClock{now: t0},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.p = NewPipeline(f.store, testRules(), logger).
		WithCooldown(30 * time.Minute).
		WithFeed(f.feed).
		WithAuditSink(f.audit)
	f.p.now = f.clock.Now
	return f
}

func (f *fixture) alerts(t *testing.T) []*Alert {
	t.Helper()
	list, err := f.store.List(context.Background(), Filter{})
	require.NoError(t, err)
	return list
}

func TestPipeline_ObserveRaisesAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.Observe(ctx, "usr_alice", assessment(75, 100))

	list := f.alerts(t)
	require.Len(t, list, 1)
	a := list[0]
	assert.True(t, strings.HasPrefix(a.ID, "alr_"))
	assert.Equal(t, "usr_alice", a.Subject)
	assert.Equal(t, RuleThreshold, a.Type)
	assert.Equal(t, risk.SeverityHigh, a.Severity)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, 75, a.Score)
	assert.Equal(t, 1, a.Occurrences)
	assert.Equal(t, t0, a.CreatedAt)

	assert.Equal(t, []string{EventAlertRaised}, f.feed.kinds())
	events := f.audit.Events(audit.TypeFraudAlert)
	require.Len(t, events, 1)
	assert.Equal(t, "raised", events[0].Payload["action"])
	assert.Equal(t, "usr_alice", events[0].Subject)
}

func TestPipeline_LowRiskRaisesNothing(t *testing.T) {
	f := newFixture(t)
	f.p.Observe(context.Background(), "usr_alice", assessment(30, 100))
	assert.Empty(t, f.alerts(t))
	assert.Empty(t, f.feed.kinds())
}

func TestPipeline_DedupeWithinCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.Observe(ctx, "usr_alice", assessment(75, 100))
	f.clock.Advance(10 * time.Minute)
	f.p.Observe(ctx, "usr_alice", assessment(95, 100))
	f.clock.Advance(25 * time.Minute)
	// Still within the cool-down measured from the last update.
	f.p.Observe(ctx, "usr_alice", assessment(72, 100))

	list := f.alerts(t)
	require.Len(t, list, 1)
	a := list[0]
	assert.Equal(t, 3, a.Occurrences)
	assert.Equal(t, risk.SeverityCritical, a.Severity, "severity never drops")
	assert.Equal(t, 95, a.Score)
	assert.Equal(t, t0, a.CreatedAt)
	assert.Equal(t, t0.Add(35*time.Minute), a.UpdatedAt)
	assert.Contains(t, a.Detail, "scored 72")

	assert.Len(t, f.feed.kinds(), 1, "repeats are not broadcast")
	assert.Len(t, f.audit.Events(audit.TypeFraudAlert), 1)
}

func TestPipeline_NewAlertAfterCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.Observe(ctx, "usr_alice", assessment(75, 100))
	f.clock.Advance(31 * time.Minute)
	f.p.Observe(ctx, "usr_alice", assessment(75, 100))

	assert.Len(t, f.alerts(t), 2)
	assert.Len(t, f.feed.kinds(), 2)
}

func TestPipeline_DedupeScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.Observe(ctx, "usr_alice", assessment(75, 100))
	f.p.Observe(ctx, "usr_bob", assessment(75, 100))
	f.p.ReportMFA(ctx, "usr_alice", true, false)

	assert.Len(t, f.alerts(t), 3)
}

func TestPipeline_ReviewedAlertIsNotReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.Observe(ctx, "usr_alice", assessment(75, 100))
	first := f.alerts(t)[0]
	_, err := f.p.Review(ctx, first.ID, "usr_ops", StatusDismissed, "false positive")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.p.Observe(ctx, "usr_alice", assessment(75, 100))

	pending, err := f.store.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEqual(t, first.ID, pending[0].ID)
}

func TestPipeline_HoldForReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := assessment(72, 100)
	f.p.Observe(ctx, "usr_free", a)
	f.p.HoldForReview(ctx, "usr_free", "esc_123", a)

	list := f.alerts(t)
	require.Len(t, list, 1)
	assert.Equal(t, "esc_123", list[0].EscrowID)
	assert.Equal(t, 2, list[0].Occurrences)
	assert.Contains(t, list[0].Detail, "auto-release of esc_123 held")

	// A hold is at least High even when the verdict band is lower.
	low := assessment(50, 100)
	f.p.HoldForReview(ctx, "usr_other", "esc_456", low)
	held, err := f.store.List(ctx, Filter{Subject: "usr_other"})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, risk.SeverityHigh, held[0].Severity)

	f.p.HoldForReview(ctx, "usr_other", "esc_789", nil)
	assert.Len(t, f.alerts(t), 2)
}

func TestPipeline_ReportMFA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.ReportMFA(ctx, "usr_alice", false, false)
	assert.Empty(t, f.alerts(t))

	f.p.ReportMFA(ctx, "usr_alice", true, false)
	list := f.alerts(t)
	require.Len(t, list, 1)
	assert.Equal(t, RuleMFAFailures, list[0].Type)
	assert.Equal(t, risk.SeverityMedium, list[0].Severity)
	assert.Zero(t, list[0].Score)

	f.p.ReportMFA(ctx, "usr_alice", false, true)
	list = f.alerts(t)
	require.Len(t, list, 1)
	assert.Equal(t, risk.SeverityHigh, list[0].Severity)
	assert.Equal(t, 2, list[0].Occurrences)

	f.p.ReportMFA(ctx, "", true, true)
	assert.Len(t, f.alerts(t), 1)
}

func TestPipeline_StoreFailureIsContained(t *testing.T) {
	f := newFixture(t)
	f.p.store = failingStore{f.store}

	assert.NotPanics(t, func() {
		f.p.Observe(context.Background(), "usr_alice", assessment(95, 100))
		f.p.ReportMFA(context.Background(), "usr_alice", true, true)
	})
	assert.Empty(t, f.feed.kinds())

	_, err := f.p.Stats(context.Background(), time.Hour)
	assert.ErrorIs(t, err, apperr.ErrExternal)
}

func TestPipeline_AuditDegraded(t *testing.T) {
	f := newFixture(t)
	f.audit.Fail(errors.New("redis down"))

	f.p.Observe(context.Background(), "usr_alice", assessment(80, 100))

	assert.Len(t, f.alerts(t), 1)
	assert.Equal(t, []string{EventAlertRaised}, f.feed.kinds())
}

func TestPipeline_Review(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.p.Observe(ctx, "usr_alice", assessment(80, 100))
	id := f.alerts(t)[0].ID

	f.clock.Advance(time.Hour)
	a, err := f.p.Review(ctx, id, "usr_ops", StatusReviewed, "looking into it")
	require.NoError(t, err)
	assert.Equal(t, StatusReviewed, a.Status)
	assert.Equal(t, "usr_ops", a.ReviewedBy)
	require.NotNil(t, a.ReviewedAt)
	assert.Equal(t, t0.Add(time.Hour), *a.ReviewedAt)

	a, err = f.p.Review(ctx, id, "usr_ops", StatusConfirmed, "")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, a.Status)

	stored, err := f.p.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, stored.Status)
	assert.Equal(t, []string{EventAlertRaised, EventAlertReviewed, EventAlertReviewed}, f.feed.kinds())
	assert.Len(t, f.audit.Events(audit.TypeFraudAlert), 3)
}

func TestPipeline_ReviewRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.p.Observe(ctx, "usr_alice", assessment(80, 100))
	id := f.alerts(t)[0].ID
	_, err := f.p.Review(ctx, id, "usr_ops", StatusDismissed, "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		id       string
		operator string
		status   Status
		note     string
		want     error
	}{
		{"final status", id, "usr_ops", StatusConfirmed, "", apperr.ErrInvalidTransition},
		{"back to pending", id, "usr_ops", StatusPending, "", apperr.ErrInvalidTransition},
		{"unknown alert", "alr_missing", "usr_ops", StatusReviewed, "", apperr.ErrNotFound},
		{"unknown status", id, "usr_ops", Status("escalated"), "", apperr.ErrValidation},
		{"no operator", id, "", StatusReviewed, "", apperr.ErrValidation},
		{"note too long", id, "usr_ops", StatusReviewed, strings.Repeat("x", MaxNoteLength+1), apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.p.Review(ctx, tt.id, tt.operator, tt.status, tt.note)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMemoryStore_ReviewIsConditional(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.p.Observe(ctx, "usr_alice", assessment(80, 100))
	stale := f.alerts(t)[0]

	_, err := f.p.Review(ctx, stale.ID, "usr_ops", StatusConfirmed, "")
	require.NoError(t, err)

	stale.Status = StatusDismissed
	stale.ReviewedBy = "usr_ops2"
	err = f.store.Review(ctx, stale, StatusPending)
	assert.ErrorIs(t, err, ErrStaleAlert)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestPipeline_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.Observe(ctx, "usr_alice", assessment(75, 100))
	f.clock.Advance(time.Minute)
	f.p.ReportMFA(ctx, "usr_alice", true, false)
	f.clock.Advance(time.Minute)
	f.p.Observe(ctx, "usr_bob", assessment(95, 100))

	all, _, err := f.p.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "usr_bob", all[0].Subject, "newest first")

	high, _, err := f.p.List(ctx, Filter{MinSeverity: risk.SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, high, 2)

	alice, _, err := f.p.List(ctx, Filter{Subject: "usr_alice", Type: RuleMFAFailures})
	require.NoError(t, err)
	assert.Len(t, alice, 1)

	one, next, err := f.p.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, one, 2)
	require.NotEmpty(t, next)

	cursor, err := pagination.Decode(next)
	require.NoError(t, err)
	rest, next, err := f.p.List(ctx, Filter{Limit: 2, Before: cursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Empty(t, next)
	assert.Equal(t, all[2].ID, rest[0].ID)
}

func TestPipeline_Stats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p.Observe(ctx, "usr_old", assessment(99, 100))
	f.clock.Advance(2 * time.Hour)

	f.p.Observe(ctx, "usr_alice", assessment(70, 100))
	f.p.Observe(ctx, "usr_bob", assessment(90, 100))
	f.p.ReportMFA(ctx, "usr_carol", true, false)
	bob, _, err := f.p.List(ctx, Filter{Subject: "usr_bob"})
	require.NoError(t, err)
	_, err = f.p.Review(ctx, bob[0].ID, "usr_ops", StatusConfirmed, "")
	require.NoError(t, err)

	before := f.alerts(t)
	st, err := f.p.Stats(ctx, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 3, st.Total)
	assert.Equal(t, "1h0m0s", st.Window)
	assert.Equal(t, map[string]int{"low": 0, "medium": 1, "high": 1, "critical": 1}, st.BySeverity)
	assert.Equal(t, map[string]int{"pending": 2, "reviewed": 0, "dismissed": 0, "confirmed": 1}, st.ByStatus)
	assert.Equal(t, map[string]int{RuleThreshold: 2, RuleMFAFailures: 1}, st.ByType)
	assert.Equal(t, ScoreSummary{Count: 2, Min: 70, Max: 90, Mean: 80}, st.Scores)

	assert.Equal(t, before, f.alerts(t), "stats must not modify alerts")

	_, err = f.p.Stats(ctx, 91*24*time.Hour)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPipeline_ConcurrentRaisesConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.p.ReportMFA(ctx, "usr_alice", false, true)
		}()
	}
	wg.Wait()

	list := f.alerts(t)
	require.Len(t, list, 1)
	assert.Equal(t, 20, list[0].Occurrences)
	assert.Len(t, f.feed.kinds(), 1)
}
