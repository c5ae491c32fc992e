package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/trustcore/internal/apperr"
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

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, cooldown)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	assert.True(t, b.Allow("rail.refund"))
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("rail.refund")
	b.RecordFailure("rail.refund")
	assert.True(t, b.Allow("rail.refund"), "should still allow before threshold")

	b.RecordFailure("rail.refund")
	assert.False(t, b.Allow("rail.refund"))
	assert.Equal(t, StateOpen, b.State("rail.refund"))
}

func TestBreaker_HalfOpenTrialCall(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.RecordFailure("rail.capture")
	b.RecordFailure("rail.capture")
	require.Equal(t, StateOpen, b.State("rail.capture"))

	clock.Advance(time.Minute)
	assert.True(t, b.Allow("rail.capture"), "first call after cooldown is the trial call")
	assert.Equal(t, StateHalfOpen, b.State("rail.capture"))
	assert.False(t, b.Allow("rail.capture"), "second call waits for the trial call")

	b.RecordSuccess("rail.capture")
	assert.Equal(t, StateClosed, b.State("rail.capture"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure("objectstore.put")
	clock.Advance(time.Minute)
	require.True(t, b.Allow("objectstore.put"))

	b.RecordFailure("objectstore.put")
	assert.Equal(t, StateOpen, b.State("objectstore.put"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("rail.capture")
	assert.False(t, b.Allow("rail.capture"))
	assert.True(t, b.Allow("rail.refund"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	upstream := apperr.External("rail.refund", errors.New("503"))

	for i := 0; i < 2; i++ {
		err := b.Do(ctx, "rail.refund", func(context.Context) error { return upstream })
		assert.ErrorIs(t, err, apperr.ErrExternal)
	}

	called := false
	err := b.Do(ctx, "rail.refund", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_DoIgnoresCallerErrors(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	bad := apperr.Validation("amount", "must be positive")

	err := b.Do(context.Background(), "rail.capture", func(context.Context) error { return bad })
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, StateClosed, b.State("rail.capture"))
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})
	b.RecordFailure("rail.capture")

	select {
	case tr := <-got:
		assert.Equal(t, StateClosed, tr[0])
		assert.Equal(t, StateOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
