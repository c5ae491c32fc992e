package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/trustcore/internal/apperr"
)

var fast = Policy{Attempts: 3, BaseDelay: time.Millisecond}

func TestDo(t *testing.T) {
	transient := errors.New("transient")

	tests := []struct {
		name      string
		policy    Policy
		failUntil int // attempts before success; -1 never succeeds
		wantCalls int
		wantErr   error
	}{
		{"first attempt", fast, 0, 1, nil},
		{"succeeds on retry", fast, 2, 3, nil},
		{"exhausted", fast, -1, 3, transient},
		{"zero attempts runs once", Policy{}, -1, 1, transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen []int
			err := tt.policy.Do(context.Background(), func(attempt int) error {
				seen = append(seen, attempt)
				if tt.failUntil < 0 || attempt <= tt.failUntil {
					return transient
				}
				return nil
			})
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
			require.Len(t, seen, tt.wantCalls)
			for i, a := range seen {
				assert.Equal(t, i+1, a)
			}
		})
	}
}

func TestDo_PermanentStopsAndUnwraps(t *testing.T) {
	sentinel := errors.New("declined")
	calls := 0
	err := fast.Do(context.Background(), func(int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, sentinel, err)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, BaseDelay: time.Second}
	calls := 0
	err := p.Do(ctx, func(int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	within := func(d, want time.Duration) {
		t.Helper()
		assert.GreaterOrEqual(t, d, want-want/4)
		assert.LessOrEqual(t, d, want+want/4)
	}
	for i := 0; i < 20; i++ {
		within(p.Delay(1), 100*time.Millisecond)
		within(p.Delay(2), 200*time.Millisecond)
		within(p.Delay(3), 300*time.Millisecond)
		within(p.Delay(10), 300*time.Millisecond)
	}
	assert.Zero(t, Policy{}.Delay(3))
}

func TestPermanent_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	assert.ErrorIs(t, Permanent(inner), inner)
	assert.Equal(t, "inner", Permanent(inner).Error())
}

func TestTransient(t *testing.T) {
	t.Run("retries external failures", func(t *testing.T) {
		calls := 0
		err := fast.Transient(context.Background(), func(int) error {
			calls++
			return apperr.External("rail.refund", errors.New("503"))
		})
		require.ErrorIs(t, err, apperr.ErrExternal)
		assert.Equal(t, 3, calls)
	})
	t.Run("stops on validation", func(t *testing.T) {
		calls := 0
		err := fast.Transient(context.Background(), func(int) error {
			calls++
			return apperr.Validation("amount", "must be positive")
		})
		require.ErrorIs(t, err, apperr.ErrValidation)
		assert.Equal(t, 1, calls)
	})
}
