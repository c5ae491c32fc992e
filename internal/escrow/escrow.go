// Package escrow holds client funds for a job until the work is accepted,
// cancelled or arbitrated.
//
// Lifecycle:
//  1. Client opens an escrow for a job → pending
//  2. Client funds it; the payment rail captures the money → funded
//  3. Freelancer marks delivery; the auto-release grace period starts
//  4. Client confirms (or the grace period passes and the freelancer is not
//     high risk) → released, net of the platform fee, to the freelancer
//  5. Either party disputes → disputed; only a resolution moves it again
//  6. Both parties cancel before delivery → refunded to the funding source
//
// Only this package writes escrow status. Every transition that moves money
// commits its ledger entries in the same unit as the status change.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/ledger"
	"github.com/gigmarket/trustcore/internal/money"
	"github.com/gigmarket/trustcore/internal/risk"
)

var (
	ErrEscrowNotFound = fmt.Errorf("%w: escrow", apperr.ErrNotFound)
	ErrNotParty       = fmt.Errorf("%w: not a party to this escrow", apperr.ErrPermissionDenied)
	ErrActiveEscrow   = fmt.Errorf("%w: job already has an active escrow", apperr.ErrConflict)
	ErrStaleState     = fmt.Errorf("%w: escrow changed since it was read", apperr.ErrConflict)
	ErrJobNotAwarded  = apperr.Validation("jobId", "job must have exactly one accepted proposal")
)

// Escrow is one job's custody record. Amounts are minor units.
type Escrow struct {
	ID               string       `json:"id"`
	JobID            string       `json:"jobId"`
	ClientID         string       `json:"clientId"`
	FreelancerID     string       `json:"freelancerId"`
	Amount           money.Amount `json:"amount"`
	Currency         string       `json:"currency"`
	Status           Status       `json:"status"`
	FundingSource    string       `json:"fundingSource,omitempty"`
	CaptureRef       string       `json:"captureRef,omitempty"`
	FeeAmount        money.Amount `json:"feeAmount"`
	ReviewRequired   bool         `json:"reviewRequired"`
	ClientCancel     bool         `json:"clientCancel"`
	FreelancerCancel bool         `json:"freelancerCancel"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"createdAt"`
	FundedAt         *time.Time   `json:"fundedAt,omitempty"`
	DeliveredAt      *time.Time   `json:"deliveredAt,omitempty"`
	ReleasedAt       *time.Time   `json:"releasedAt,omitempty"`
	RefundedAt       *time.Time   `json:"refundedAt,omitempty"`
	CancelledAt      *time.Time   `json:"cancelledAt,omitempty"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// IsParty reports whether userID is the client or the freelancer.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.ClientID || userID == e.FreelancerID)
}

// Counterparty returns the other party, or "" if userID is not a party.
func (e *Escrow) Counterparty(userID string) string {
	switch userID {
	case e.ClientID:
		return e.FreelancerID
	case e.FreelancerID:
		return e.ClientID
	}
	return ""
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.FundedAt = cloneTime(e.FundedAt)
	cp.DeliveredAt = cloneTime(e.DeliveredAt)
	cp.ReleasedAt = cloneTime(e.ReleasedAt)
	cp.RefundedAt = cloneTime(e.RefundedAt)
	cp.CancelledAt = cloneTime(e.CancelledAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Executor is the transaction handle passed to Transition.Attach. It is nil
// for stores without SQL transactions.
type Executor = ledger.Executor

// Transition is one atomic state change. The store applies it only if the
// stored escrow still has status From and version Next.Version-1; otherwise
// it returns ErrStaleState and writes nothing.
type Transition struct {
	Next    *Escrow
	From    Status
	Entries []*ledger.Entry

	// Attach runs inside the same unit of work, after the ledger entries.
	Attach func(ctx context.Context, exec Executor) error
}

// Store persists escrows.
type Store interface {
	// Create inserts a pending escrow; ErrActiveEscrow if the job already
	// has a non-terminal one.
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	// ListDeliveredBefore returns funded, delivered escrows not held for
	// review whose delivery is at or before cutoff.
	ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error)
	Commit(ctx context.Context, t Transition) error
}

// JobDirectory answers questions about the marketplace's jobs.
type JobDirectory interface {
	AcceptedProposals(ctx context.Context, jobID string) (int, error)
}

// RiskGate scores the freelancer before an automatic release.
type RiskGate interface {
	Score(ctx context.Context, subject string, ev risk.Event) *risk.Assessment
}

// FraudMonitor receives scored escrow activity and review holds.
type FraudMonitor interface {
	Observe(ctx context.Context, subject string, a *risk.Assessment)
	HoldForReview(ctx context.Context, subject, escrowID string, a *risk.Assessment)
}

// OpenRequest contains the parameters for opening an escrow.
type OpenRequest struct {
	JobID        string       `json:"jobId" binding:"required"`
	ClientID     string       `json:"-"`
	FreelancerID string       `json:"freelancerId" binding:"required"`
	Amount       money.Amount `json:"amount"`
	Currency     string       `json:"currency"`
}

// FundRequest carries the client's authorized payment and request origin.
type FundRequest struct {
	FundingSource     string `json:"fundingSource" binding:"required"`
	IP                string `json:"-"`
	DeviceFingerprint string `json:"-"`
}

// SettlementKind is how a dispute resolution moves the funds.
type SettlementKind uint8

const (
	SettleRefund  SettlementKind = iota + 1 // everything back to the funding source
	SettleRelease                           // everything to the freelancer, net of fee
	SettleSplit                             // Ratio to the freelancer, remainder refunded
	SettleRestore                           // back to funded, nothing moves
)

func (k SettlementKind) String() string {
	switch k {
	case SettleRefund:
		return "refund"
	case SettleRelease:
		return "release"
	case SettleSplit:
		return "split"
	case SettleRestore:
		return "restore"
	}
	return fmt.Sprintf("settlement(%d)", uint8(k))
}

// Settlement instructs ApplyResolution. Ratio is used by SettleSplit only.
type Settlement struct {
	Kind  SettlementKind
	Ratio decimal.Decimal
}

// Option adjusts a single operation.
type Option func(*opOptions)

type opOptions struct {
	ifStatus Status
}

// IfStatus makes the operation fail with ErrStaleState unless the freshly
// read escrow is in status s.
func IfStatus(s Status) Option {
	return func(o *opOptions) { o.ifStatus = s }
}

func collect(opts []Option) opOptions {
	var o opOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
