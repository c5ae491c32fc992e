package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/circuitbreaker"
	"github.com/gigmarket/trustcore/internal/retry"
)

// Guarded wraps a Rail with a per-operation timeout and circuit breaker.
// Refunds are additionally retried on transient failures; captures never
// are, because a capture whose response was lost may already have moved
// money.
type Guarded struct {
	inner   Rail
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuarded wraps inner.
func NewGuarded(inner Rail, breaker *circuitbreaker.Breaker, policy retry.Policy, timeout time.Duration, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{inner: inner, breaker: breaker, policy: policy, timeout: timeout, logger: logger}
}

func (g *Guarded) Capture(ctx context.Context, req CaptureRequest) (*Receipt, error) {
	var receipt *Receipt
	err := g.breaker.Do(ctx, "rail.capture", func(ctx context.Context) error {
		callCtx, cancel := g.withTimeout(ctx)
		defer cancel()
		r, err := g.inner.Capture(callCtx, req)
		if err != nil {
			return wrapRail("rail.capture", err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		g.logger.Warn("capture failed", "escrowId", req.EscrowID, "error", err)
		return nil, err
	}
	return receipt, nil
}

func (g *Guarded) Refund(ctx context.Context, req RefundRequest) (*Receipt, error) {
	var receipt *Receipt
	err := g.policy.Transient(ctx, func(attempt int) error {
		return g.breaker.Do(ctx, "rail.refund", func(ctx context.Context) error {
			callCtx, cancel := g.withTimeout(ctx)
			defer cancel()
			r, err := g.inner.Refund(callCtx, req)
			if err != nil {
				g.logger.Warn("refund attempt failed", "escrowId", req.EscrowID, "attempt", attempt, "error", err)
				return wrapRail("rail.refund", err)
			}
			receipt = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (g *Guarded) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// wrapRail leaves classified errors alone and marks anything else external.
func wrapRail(op string, err error) error {
	if errors.Is(err, apperr.ErrValidation) || errors.Is(err, ErrCaptureRefunded) {
		return err
	}
	return apperr.External(op, err)
}

var _ Rail = (*Guarded)(nil)
