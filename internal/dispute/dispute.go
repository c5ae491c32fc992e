// Package dispute arbitrates disagreements between an escrow's client and
// freelancer.
//
// Opening a dispute freezes the escrow (funded → disputed) and creates the
// dispute in the same unit of work. Either party may add evidence while the
// dispute is active. An operator resolves it with an outcome the escrow
// engine applies, again in one unit with the dispute update, and the losing
// party's trust score is lowered.
package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/escrow"
	"github.com/gigmarket/trustcore/internal/evidence"
	"github.com/gigmarket/trustcore/internal/money"
	"github.com/gigmarket/trustcore/internal/risk"
)

var (
	ErrDisputeNotFound = fmt.Errorf("%w: dispute", apperr.ErrNotFound)
	ErrNotParticipant  = fmt.Errorf("%w: not a participant in this dispute", apperr.ErrPermissionDenied)
	ErrOperatorOnly    = fmt.Errorf("%w: operator role required", apperr.ErrPermissionDenied)
	ErrActiveDispute   = fmt.Errorf("%w: escrow already has an active dispute", apperr.ErrConflict)
	ErrStaleDispute    = fmt.Errorf("%w: dispute changed since it was read", apperr.ErrConflict)
)

// MaxReasonLength bounds the free-text reason.
const MaxReasonLength = 2000

// Dispute is a formal disagreement over one escrow.
type Dispute struct {
	ID           string                `json:"id"`
	EscrowID     string                `json:"escrowId"`
	InitiatorID  string                `json:"initiatorId"`
	RespondentID string                `json:"respondentId"`
	Reason       string                `json:"reason"`
	Status       Status                `json:"status"`
	Outcome      *Outcome              `json:"outcome,omitempty"`
	Amount       money.Amount          `json:"amount"`
	Evidence     []evidence.Attachment `json:"evidence"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
	ResolvedAt   *time.Time            `json:"resolvedAt,omitempty"`
	ResolvedBy   string                `json:"resolvedBy,omitempty"`
	ClosedAt     *time.Time            `json:"closedAt,omitempty"`
}

// IsParticipant reports whether userID is the initiator or respondent.
func (d *Dispute) IsParticipant(userID string) bool {
	return userID != "" && (userID == d.InitiatorID || userID == d.RespondentID)
}

func (d *Dispute) FeedSubjects() []string {
	return []string{d.InitiatorID, d.RespondentID}
}

// Clone returns a deep copy. The evidence slice is copied so appends on
// the copy never reach the stored value.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	if d.Outcome != nil {
		o := *d.Outcome
		cp.Outcome = &o
	}
	cp.Evidence = make([]evidence.Attachment, len(d.Evidence))
	copy(cp.Evidence, d.Evidence)
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	cp.ClosedAt = cloneTime(d.ClosedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Actor is the caller of a dispute operation.
type Actor struct {
	ID       string
	Operator bool
}

// OutcomeKind is how a dispute is settled.
type OutcomeKind uint8

const (
	OutcomeFullRefundToClient OutcomeKind = iota + 1
	OutcomeFullReleaseToFreelancer
	OutcomeSplit
	OutcomeNoAction
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeFullRefundToClient:      "full_refund_to_client",
	OutcomeFullReleaseToFreelancer: "full_release_to_freelancer",
	OutcomeSplit:                   "split",
	OutcomeNoAction:                "no_action",
}

func (k OutcomeKind) String() string {
	if n, ok := outcomeNames[k]; ok {
		return n
	}
	return fmt.Sprintf("outcome(%d)", uint8(k))
}

// ParseOutcomeKind converts a wire name to an OutcomeKind.
func ParseOutcomeKind(name string) (OutcomeKind, error) {
	for k, n := range outcomeNames {
		if n == name {
			return k, nil
		}
	}
	return 0, apperr.Validation("outcome", fmt.Sprintf("unknown outcome %q", name))
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	if _, ok := outcomeNames[k]; !ok {
		return nil, fmt.Errorf("dispute: invalid outcome %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *OutcomeKind) UnmarshalText(b []byte) error {
	v, err := ParseOutcomeKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Outcome is an operator's ruling. Ratio is the freelancer's share and is
// only meaningful for OutcomeSplit.
type Outcome struct {
	Kind  OutcomeKind     `json:"kind"`
	Ratio decimal.Decimal `json:"ratio"`
}

// Validate checks the kind and, for splits, that the ratio is in [0, 1].
func (o Outcome) Validate() error {
	if _, ok := outcomeNames[o.Kind]; !ok {
		return apperr.Validation("outcome", "unknown outcome")
	}
	if o.Kind == OutcomeSplit {
		if err := money.CheckRatio(o.Ratio); err != nil {
			return apperr.Validation("ratio", err.Error())
		}
	}
	return nil
}

// Settlement is the escrow instruction that carries out the outcome.
func (o Outcome) Settlement() escrow.Settlement {
	switch o.Kind {
	case OutcomeFullRefundToClient:
		return escrow.Settlement{Kind: escrow.SettleRefund}
	case OutcomeFullReleaseToFreelancer:
		return escrow.Settlement{Kind: escrow.SettleRelease}
	case OutcomeSplit:
		return escrow.Settlement{Kind: escrow.SettleSplit, Ratio: o.Ratio}
	default:
		return escrow.Settlement{Kind: escrow.SettleRestore}
	}
}

// Loser returns the party ruled against, or "" for neutral outcomes.
func (o Outcome) Loser(e *escrow.Escrow) string {
	switch o.Kind {
	case OutcomeFullRefundToClient:
		return e.FreelancerID
	case OutcomeFullReleaseToFreelancer:
		return e.ClientID
	}
	return ""
}

// Store persists disputes. Create and Update accept the executor of an
// enclosing escrow transition; a nil executor means the store uses its own
// connection.
type Store interface {
	// Create inserts a dispute with its initial evidence; ErrActiveDispute if
	// the escrow already has an active one.
	Create(ctx context.Context, exec escrow.Executor, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Update writes status, outcome and timestamps if the stored dispute
	// still has status from; ErrStaleDispute otherwise. Evidence is never
	// rewritten.
	Update(ctx context.Context, exec escrow.Executor, d *Dispute, from Status) error
	// AppendEvidence adds one attachment to an active dispute;
	// ErrStaleDispute once it has been resolved. Attachments are never
	// removed.
	AppendEvidence(ctx context.Context, disputeID string, a evidence.Attachment) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
	// ListActive returns open and under-review disputes, oldest first.
	ListActive(ctx context.Context, limit int) ([]*Dispute, error)
}

// EscrowGateway is the part of the escrow engine disputes drive.
type EscrowGateway interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	Freeze(ctx context.Context, id, actorID string, attach func(ctx context.Context, exec escrow.Executor) error) (*escrow.Escrow, error)
	ApplyResolution(ctx context.Context, id string, st escrow.Settlement, attach func(ctx context.Context, exec escrow.Executor) error) (*escrow.Escrow, error)
}

// TrustSource reads and lowers trust scores.
type TrustSource interface {
	Trust(ctx context.Context, subject string) float64
	Penalize(ctx context.Context, subject string, severity risk.Severity) error
}

// Feed receives dispute events for the operator console.
type Feed interface {
	Publish(kind string, data any)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	EscrowID    string          `json:"escrowId" binding:"required"`
	InitiatorID string          `json:"-"`
	Reason      string          `json:"reason" binding:"required"`
	Evidence    []evidence.File `json:"evidence"`
}
