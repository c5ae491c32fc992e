package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/money"
)

// StripeRail captures manually-confirmed PaymentIntents and refunds them.
// FundingSource is the PaymentIntent ID authorized by the client.
type StripeRail struct {
	api *client.API
}

// NewStripeRail creates a rail using the given secret key.
func NewStripeRail(secretKey string) *StripeRail {
	return &StripeRail{api: client.New(secretKey, nil)}
}

// NewStripeRailWithBackends is for tests that point the SDK at a stub server.
func NewStripeRailWithBackends(secretKey string, backends *stripe.Backends) *StripeRail {
	return &StripeRail{api: client.New(secretKey, backends)}
}

func (s *StripeRail) Capture(ctx context.Context, req CaptureRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(int64(req.Amount)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)

	pi, err := s.api.PaymentIntents.Capture(req.FundingSource, params)
	if err != nil {
		return nil, mapStripeError("stripe.capture", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}
	if pi.LastResponse != nil && pi.LastResponse.Header.Get("Idempotent-Replayed") == "true" {
		// A replay returns the response as first sent, before any refund.
		if err := s.ensureNotRefunded(ctx, pi.ID); err != nil {
			return nil, err
		}
	}
	return &Receipt{
		Reference: pi.ID,
		Amount:    money.Amount(pi.AmountReceived),
		At:        time.Now(),
	}, nil
}

func (s *StripeRail) ensureNotRefunded(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi, err := s.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return mapStripeError("stripe.capture", err)
	}
	if pi.LatestCharge != nil && pi.LatestCharge.AmountRefunded > 0 {
		return fmt.Errorf("%w: %s", ErrCaptureRefunded, intentID)
	}
	return nil
}

func (s *StripeRail) Refund(ctx context.Context, req RefundRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.CaptureRef),
		Amount:        stripe.Int64(int64(req.Amount)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, mapStripeError("stripe.refund", err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, fmt.Errorf("%w: refund %s is %s", ErrDeclined, r.ID, r.Status)
	}
	return &Receipt{
		Reference: r.ID,
		Amount:    money.Amount(r.Amount),
		At:        time.Unix(r.Created, 0),
	}, nil
}

// mapStripeError turns request errors the client caused (declined cards,
// invalid intents) into ErrDeclined and everything else into an external
// failure.
func mapStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Type == stripe.ErrorTypeCard {
			return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
		}
		if se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 &&
			se.HTTPStatusCode != http.StatusTooManyRequests && se.HTTPStatusCode != http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
		}
	}
	return apperr.External(op, err)
}

var _ Rail = (*StripeRail)(nil)
