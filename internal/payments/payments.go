// Package payments is the boundary to the payment network.
//
// The escrow engine treats the network as an opaque Rail that can capture a
// client's funds and refund them to the original funding source. Capture is
// never retried; refunds carry an idempotency key and may be.
package payments

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/money"
)

var (
	// ErrDeclined means the rail refused the request; retrying will not help.
	ErrDeclined = fmt.Errorf("%w: payment declined", apperr.ErrValidation)

	// ErrCaptureRefunded is returned when a capture key replays a capture
	// whose funds were already returned. The caller must capture again
	// under a new key.
	ErrCaptureRefunded = fmt.Errorf("%w: capture already refunded", apperr.ErrConflict)
)

// CaptureRequest asks the rail to take funds from the client's funding source.
type CaptureRequest struct {
	EscrowID       string
	FundingSource  string // rail reference of the authorized payment
	Amount         money.Amount
	Currency       string
	IdempotencyKey string
}

// RefundRequest returns captured funds to their funding source.
type RefundRequest struct {
	EscrowID       string
	CaptureRef     string
	Amount         money.Amount
	Currency       string
	IdempotencyKey string
}

// Receipt is the rail's acknowledgement.
type Receipt struct {
	Reference string       `json:"reference"`
	Amount    money.Amount `json:"amount"`
	At        time.Time    `json:"at"`
}

// Rail moves money on the external network.
type Rail interface {
	Capture(ctx context.Context, req CaptureRequest) (*Receipt, error)
	Refund(ctx context.Context, req RefundRequest) (*Receipt, error)
}

func (r CaptureRequest) validate() error {
	switch {
	case r.FundingSource == "":
		return apperr.Validation("fundingSource", "required")
	case !r.Amount.Positive():
		return apperr.Validation("amount", "must be positive")
	case r.IdempotencyKey == "":
		return apperr.Validation("idempotencyKey", "required")
	}
	return nil
}

func (r RefundRequest) validate() error {
	switch {
	case r.CaptureRef == "":
		return apperr.Validation("captureRef", "required")
	case !r.Amount.Positive():
		return apperr.Validation("amount", "must be positive")
	case r.IdempotencyKey == "":
		return apperr.Validation("idempotencyKey", "required")
	}
	return nil
}

// CaptureKey derives the idempotency key for one funding attempt of
// escrowID from source. attempt is the escrow version the capture was taken
// at; a rolled-back attempt bumps the version so the next one gets a new key.
func CaptureKey(escrowID, source string, attempt int64) string {
	return "capture:" + escrowID + ":" + source + ":" + strconv.FormatInt(attempt, 10)
}

// RefundKey derives the idempotency key for refunding a capture. A capture
// is refunded at most once, whichever path (cancellation, dispute or
// compensation) gets there first.
func RefundKey(escrowID, captureRef string) string { return "refund:" + escrowID + ":" + captureRef }
