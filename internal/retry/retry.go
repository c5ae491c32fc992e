// Package retry retries idempotent calls to external collaborators with
// exponential backoff and jitter.
//
// Only idempotent operations may be wrapped: payment capture is never
// retried, refunds and object-store writes carry idempotency keys and are.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
)

// Policy bounds a retry loop. The delay before attempt n+1 is BaseDelay
// doubled n-1 times, capped at MaxDelay when set, with ±25% jitter.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy is used for rail refunds and evidence uploads.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a *PermanentError, the attempts
// run out, or ctx is done. Attempts are numbered from 1. The last error is
// returned with any Permanent wrapper removed.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}

// Delay returns the jittered wait after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	jitter := int64(d / 4)
	if jitter <= 0 {
		return d
	}
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}

// Transient runs fn under p, retrying only errors apperr classifies as
// retryable. Validation, permission and state errors return immediately.
func (p Policy) Transient(ctx context.Context, fn func(attempt int) error) error {
	return p.Do(ctx, func(attempt int) error {
		err := fn(attempt)
		if err != nil && !apperr.Retryable(err) {
			return Permanent(err)
		}
		return err
	})
}
