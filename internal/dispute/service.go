package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/audit"
	"github.com/gigmarket/trustcore/internal/escrow"
	"github.com/gigmarket/trustcore/internal/evidence"
	"github.com/gigmarket/trustcore/internal/idgen"
	"github.com/gigmarket/trustcore/internal/logging"
	"github.com/gigmarket/trustcore/internal/metrics"
	"github.com/gigmarket/trustcore/internal/risk"
	"github.com/gigmarket/trustcore/internal/syncutil"
	"github.com/gigmarket/trustcore/internal/traces"
	"github.com/gigmarket/trustcore/internal/validation"
)

// Feed event kinds.
const (
	EventOpened   = "dispute_opened"
	EventResolved = "dispute_resolved"
)

// QueueItem is one entry of the operator queue.
type QueueItem struct {
	Dispute  *Dispute      `json:"dispute"`
	Priority float64       `json:"priority"`
	Severity risk.Severity `json:"severity"`
	DaysOpen float64       `json:"daysOpen"`
}

// Service implements dispute arbitration.
type Service struct {
	store   Store
	escrows EscrowGateway
	vault   *evidence.Vault
	trust   TrustSource
	audit   audit.Sink
	feed    Feed
	timeout time.Duration
	locks   syncutil.KeyedMutex // per-dispute
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, escrows EscrowGateway, vault *evidence.Vault, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		escrows: escrows,
		vault:   vault,
		timeout: 10 * time.Second,
		logger:  logger,
		now:     time.Now,
	}
}

// WithTrustSource enables risk-weighted priority and loser penalties.
func (s *Service) WithTrustSource(t TrustSource) *Service {
	s.trust = t
	return s
}

// WithAuditSink records openings and resolutions.
func (s *Service) WithAuditSink(sink audit.Sink) *Service {
	s.audit = sink
	return s
}

// WithFeed publishes openings and resolutions to the operator feed.
func (s *Service) WithFeed(f Feed) *Service {
	s.feed = f
	return s
}

// WithTimeout bounds lock waits and store calls.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Open freezes the escrow and creates a dispute in one unit. The other
// party of the escrow becomes the respondent. Evidence files are checked
// against the policy before anything is stored.
func (s *Service) Open(ctx context.Context, req OpenRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.open", traces.EscrowID(req.EscrowID), traces.Actor(req.InitiatorID))
	defer func() { traces.End(span, err) }()

	if err := validation.Validate(
		validation.Required("escrowId", req.EscrowID),
		validation.ValidID("escrowId", req.EscrowID),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, MaxReasonLength),
	); err != nil {
		return nil, err
	}
	if err := s.vault.Check(req.Evidence...); err != nil {
		return nil, err
	}

	e, err := s.escrows.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(req.InitiatorID) {
		return nil, ErrNotParticipant
	}
	if e.Status != escrow.StatusFunded {
		return nil, apperr.Transition("escrow", e.Status, escrow.StatusDisputed)
	}

	now := s.now()
	d := &Dispute{
		ID:           idgen.WithPrefix(idgen.Dispute),
		EscrowID:     e.ID,
		InitiatorID:  req.InitiatorID,
		RespondentID: e.Counterparty(req.InitiatorID),
		Reason:       req.Reason,
		Status:       StatusOpen,
		Amount:       e.Amount,
		Evidence:     []evidence.Attachment{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, f := range req.Evidence {
		a, err := s.vault.Store(ctx, d.ID, req.InitiatorID, f)
		if err != nil {
			return nil, err
		}
		d.Evidence = append(d.Evidence, *a)
	}

	_, err = s.escrows.Freeze(ctx, e.ID, req.InitiatorID, func(ctx context.Context, exec escrow.Executor) error {
		return s.store.Create(ctx, exec, d)
	})
	if err != nil {
		if len(d.Evidence) > 0 {
			logging.L(ctx).Warn("dispute not opened, stored evidence is orphaned",
				"disputeId", d.ID, "escrowId", e.ID, "files", len(d.Evidence), "error", err)
		}
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(StatusOpen.String()).Inc()
	logging.L(ctx).Info("dispute opened",
		"disputeId", d.ID, "escrowId", d.EscrowID, "initiator", d.InitiatorID, "evidence", len(d.Evidence))
	s.emit(ctx, audit.TypeDisputeOpened, d, map[string]any{
		"escrowId":   d.EscrowID,
		"respondent": d.RespondentID,
		"evidence":   len(d.Evidence),
	})
	s.publish(EventOpened, d)
	return d.Clone(), nil
}

// AddEvidence appends one file while the dispute is active. Participants
// and operators may add evidence; nothing is ever removed.
func (s *Service) AddEvidence(ctx context.Context, id string, actor Actor, f evidence.File) (*Dispute, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Operator && !d.IsParticipant(actor.ID) {
		return nil, ErrNotParticipant
	}
	if !d.Status.Active() {
		return nil, fmt.Errorf("%w: dispute is %s, evidence requires open or under review", apperr.ErrInvalidTransition, d.Status)
	}

	a, err := s.vault.Store(ctx, d.ID, actor.ID, f)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.AppendEvidence(storeCtx, d.ID, *a); err != nil {
		return nil, storeErr("dispute.append_evidence", err)
	}

	d.Evidence = append(d.Evidence, *a)
	logging.L(ctx).Info("dispute evidence added",
		"disputeId", d.ID, "evidenceId", a.ID, "by", actor.ID, "size", a.Size)
	return d, nil
}

// StartReview moves an open dispute under review. Repeating it is a no-op.
func (s *Service) StartReview(ctx context.Context, id string, actor Actor) (*Dispute, error) {
	if !actor.Operator {
		return nil, ErrOperatorOnly
	}
	return s.update(ctx, id, func(cur *Dispute) (*Dispute, error) {
		if cur.Status == StatusUnderReview {
			return nil, nil
		}
		return s.advance(cur, StatusUnderReview)
	})
}

// Resolve rules on an active dispute. The dispute update and the escrow
// settlement commit together; the losing party is then penalized with a
// severity derived from the dispute's priority.
func (s *Service) Resolve(ctx context.Context, id string, actor Actor, outcome Outcome) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.resolve", traces.DisputeID(id), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	if !actor.Operator {
		return nil, ErrOperatorOnly
	}
	if err := outcome.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := s.advance(cur, StatusResolved)
	if err != nil {
		return nil, err
	}
	e, err := s.escrows.Get(ctx, cur.EscrowID)
	if err != nil {
		return nil, err
	}

	priority := s.priority(ctx, cur)
	resolvedAt := next.UpdatedAt
	next.Outcome = &outcome
	next.ResolvedAt = &resolvedAt
	next.ResolvedBy = actor.ID

	settled, err := s.escrows.ApplyResolution(ctx, cur.EscrowID, outcome.Settlement(), func(ctx context.Context, exec escrow.Executor) error {
		return s.store.Update(ctx, exec, next, cur.Status)
	})
	if err != nil {
		return nil, err
	}

	severity := SeverityOf(priority)
	loser := outcome.Loser(e)
	if loser != "" && s.trust != nil {
		if err := s.trust.Penalize(ctx, loser, severity); err != nil {
			logging.L(ctx).Warn("failed to penalize dispute loser",
				"disputeId", id, "subject", loser, "severity", severity, "error", err)
		}
	}

	metrics.DisputesTotal.WithLabelValues(StatusResolved.String()).Inc()
	logging.L(ctx).Info("dispute resolved",
		"disputeId", id, "escrowId", cur.EscrowID, "outcome", outcome.Kind.String(),
		"escrowStatus", settled.Status.String(), "by", actor.ID)
	payload := map[string]any{
		"escrowId":     cur.EscrowID,
		"outcome":      outcome.Kind.String(),
		"escrowStatus": settled.Status.String(),
		"priority":     priority,
	}
	if outcome.Kind == OutcomeSplit {
		payload["ratio"] = outcome.Ratio.String()
	}
	if loser != "" {
		payload["penalized"] = loser
		payload["severity"] = severity.String()
	}
	s.emit(ctx, audit.TypeDisputeResolved, next, payload)
	s.publish(EventResolved, next)
	return next.Clone(), nil
}

// Close archives a resolved dispute.
func (s *Service) Close(ctx context.Context, id string, actor Actor) (*Dispute, error) {
	if !actor.Operator {
		return nil, ErrOperatorOnly
	}
	return s.update(ctx, id, func(cur *Dispute) (*Dispute, error) {
		next, err := s.advance(cur, StatusClosed)
		if err != nil {
			return nil, err
		}
		closedAt := next.UpdatedAt
		next.ClosedAt = &closedAt
		return next, nil
	})
}

// Get returns a dispute visible to actor.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (*Dispute, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Operator && !d.IsParticipant(actor.ID) {
		return nil, ErrNotParticipant
	}
	return d, nil
}

// ListByEscrow returns every dispute raised on an escrow, oldest first.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string, actor Actor) ([]*Dispute, error) {
	if !actor.Operator {
		e, err := s.escrows.Get(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		if !e.IsParty(actor.ID) {
			return nil, ErrNotParticipant
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	list, err := s.store.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, storeErr("dispute.list", err)
	}
	return list, nil
}

// Queue returns active disputes ordered for operators: highest priority
// first, ties broken by earliest creation.
func (s *Service) Queue(ctx context.Context, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	active, err := s.store.ListActive(listCtx, limit)
	cancel()
	if err != nil {
		return nil, storeErr("dispute.list_active", err)
	}

	now := s.now()
	items := make([]QueueItem, 0, len(active))
	for _, d := range active {
		p := s.priority(ctx, d)
		items = append(items, QueueItem{
			Dispute:  d,
			Priority: p,
			Severity: SeverityOf(p),
			DaysOpen: now.Sub(d.CreatedAt).Hours() / 24,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.Dispute.CreatedAt.Equal(b.Dispute.CreatedAt) {
			return a.Dispute.CreatedAt.Before(b.Dispute.CreatedAt)
		}
		return a.Dispute.ID < b.Dispute.ID
	})
	return items, nil
}

// priority scores d. Without a trust source both parties count as neutral.
func (s *Service) priority(ctx context.Context, d *Dispute) float64 {
	combined := 2 * (100 - risk.DefaultTrust)
	if s.trust != nil {
		combined = (100 - s.trust.Trust(ctx, d.InitiatorID)) + (100 - s.trust.Trust(ctx, d.RespondentID))
	}
	return Priority(d.Amount, combined, s.now().Sub(d.CreatedAt))
}

// update runs step under the dispute lock and writes the result. A nil
// result means there is nothing to write.
func (s *Service) update(ctx context.Context, id string, step func(cur *Dispute) (*Dispute, error)) (*Dispute, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := step(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Update(storeCtx, nil, next, cur.Status); err != nil {
		return nil, storeErr("dispute.update", err)
	}
	metrics.DisputesTotal.WithLabelValues(next.Status.String()).Inc()
	logging.L(ctx).Info("dispute updated",
		"disputeId", id, "from", cur.Status.String(), "to", next.Status.String())
	return next.Clone(), nil
}

func (s *Service) advance(cur *Dispute, to Status) (*Dispute, error) {
	if !CanTransition(cur.Status, to) {
		return nil, apperr.Transition("dispute", cur.Status, to)
	}
	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = s.now()
	return next, nil
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locks.LockTimeout(ctx, id, s.timeout)
	if err != nil {
		return nil, apperr.External("dispute.lock", err)
	}
	return unlock, nil
}

func (s *Service) load(ctx context.Context, id string) (*Dispute, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("dispute.get", err)
	}
	return d, nil
}

func (s *Service) emit(ctx context.Context, typ string, d *Dispute, payload map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Emit(ctx, audit.Event{
		Type:    typ,
		Actor:   logging.Actor(ctx),
		Subject: d.ID,
		Payload: payload,
		At:      d.UpdatedAt,
	})
	if err != nil {
		metrics.AuditDegradedTotal.WithLabelValues("dispute").Inc()
		logging.L(ctx).Warn("dispute audit write failed", "disputeId", d.ID, "error", err)
	}
}

func (s *Service) publish(kind string, d *Dispute) {
	if s.feed != nil {
		s.feed.Publish(kind, d.Clone())
	}
}

func storeErr(op string, err error) error {
	for _, kind := range []error{
		apperr.ErrNotFound, apperr.ErrConflict, apperr.ErrValidation,
		apperr.ErrInvalidTransition, apperr.ErrTimeout, apperr.ErrExternal,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return apperr.External(op, err)
}
