package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/audit"
	"github.com/gigmarket/trustcore/internal/idgen"
	"github.com/gigmarket/trustcore/internal/ledger"
	"github.com/gigmarket/trustcore/internal/logging"
	"github.com/gigmarket/trustcore/internal/metrics"
	"github.com/gigmarket/trustcore/internal/money"
	"github.com/gigmarket/trustcore/internal/payments"
	"github.com/gigmarket/trustcore/internal/risk"
	"github.com/gigmarket/trustcore/internal/syncutil"
	"github.com/gigmarket/trustcore/internal/traces"
	"github.com/gigmarket/trustcore/internal/validation"
)

// SystemActor is recorded as the actor of timer-driven transitions.
const SystemActor = "system"

// Service implements the escrow state machine.
type Service struct {
	store    Store
	rail     payments.Rail
	jobs     JobDirectory
	risk     RiskGate
	fraud    FraudMonitor
	audit    audit.Sink
	feeBPS   int64
	grace    time.Duration
	currency string
	timeout  time.Duration
	locks    syncutil.KeyedMutex // per-escrow
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an escrow service. Fee rate and auto-release grace
// default to zero (no fee, no automatic release) until configured.
func NewService(store Store, rail payments.Rail, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		rail:     rail,
		currency: "usd",
		timeout:  10 * time.Second,
		logger:   logger,
		now:      time.Now,
	}
}

// WithJobDirectory enables the accepted-proposal check on funding.
func (s *Service) WithJobDirectory(d JobDirectory) *Service {
	s.jobs = d
	return s
}

// WithRiskGate sets the scorer consulted before automatic release and fed
// with funding activity.
func (s *Service) WithRiskGate(g RiskGate) *Service {
	s.risk = g
	return s
}

// WithFraudMonitor forwards scored activity and review holds to the fraud
// pipeline.
func (s *Service) WithFraudMonitor(m FraudMonitor) *Service {
	s.fraud = m
	return s
}

// WithAuditSink records committed transitions.
func (s *Service) WithAuditSink(sink audit.Sink) *Service {
	s.audit = sink
	return s
}

// WithFeeBPS sets the platform fee in basis points (100 = 1%).
func (s *Service) WithFeeBPS(bps int64) *Service {
	s.feeBPS = bps
	return s
}

// WithAutoRelease sets the grace period after delivery; 0 disables it.
func (s *Service) WithAutoRelease(grace time.Duration) *Service {
	s.grace = grace
	return s
}

// WithCurrency sets the currency used when a request names none.
func (s *Service) WithCurrency(c string) *Service {
	if c != "" {
		s.currency = strings.ToLower(c)
	}
	return s
}

// WithTimeout bounds lock waits, store calls and rail calls.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// FeeBPS returns the configured fee rate.
func (s *Service) FeeBPS() int64 { return s.feeBPS }

// Open creates a pending escrow for a job.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Escrow, error) {
	if err := validation.Validate(
		validation.Required("jobId", req.JobID),
		validation.ValidID("jobId", req.JobID),
		validation.Required("clientId", req.ClientID),
		validation.ValidID("clientId", req.ClientID),
		validation.Required("freelancerId", req.FreelancerID),
		validation.ValidID("freelancerId", req.FreelancerID),
	); err != nil {
		return nil, err
	}
	if req.ClientID == req.FreelancerID {
		return nil, apperr.Validation("freelancerId", "client and freelancer must differ")
	}
	if !req.Amount.Positive() {
		return nil, apperr.Validation("amount", "must be positive")
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.currency
	}

	now := s.now()
	e := &Escrow{
		ID:           idgen.WithPrefix(idgen.Escrow),
		JobID:        req.JobID,
		ClientID:     req.ClientID,
		FreelancerID: req.FreelancerID,
		Amount:       req.Amount,
		Currency:     currency,
		Status:       StatusPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Create(storeCtx, e); err != nil {
		return nil, storeErr("escrow.create", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("none", StatusPending.String()).Inc()
	logging.L(ctx).Info("escrow opened", "escrowId", e.ID, "jobId", e.JobID, "amount", e.Amount.String())
	return e.Clone(), nil
}

// Fund captures the client's payment and moves the escrow to funded.
//
// Capture is never retried. If the capture succeeds but the funded state
// cannot be committed, the capture is refunded.
func (s *Service) Fund(ctx context.Context, id, actorID string, req FundRequest, opts ...Option) (*Escrow, error) {
	if err := validation.Validate(
		validation.Required("fundingSource", req.FundingSource),
		validation.ValidID("fundingSource", req.FundingSource),
	); err != nil {
		return nil, err
	}

	var (
		receipt *payments.Receipt
		retired bool
	)
	next, err := s.mutate(ctx, "fund", id, collect(opts), func(ctx context.Context, cur *Escrow) (*Transition, error) {
		if cur.ClientID != actorID {
			return nil, ErrNotParty
		}
		next, err := s.advance(cur, StatusFunded)
		if err != nil {
			return nil, err
		}
		if !cur.Amount.Positive() {
			return nil, apperr.Validation("amount", "must be positive")
		}
		if err := s.checkJob(ctx, cur.JobID); err != nil {
			return nil, err
		}
		if receipt == nil {
			r, err := s.rail.Capture(ctx, payments.CaptureRequest{
				EscrowID:       cur.ID,
				FundingSource:  req.FundingSource,
				Amount:         cur.Amount,
				Currency:       cur.Currency,
				IdempotencyKey: payments.CaptureKey(cur.ID, req.FundingSource, cur.Version),
			})
			if errors.Is(err, payments.ErrCaptureRefunded) {
				retired = true
			}
			if err != nil {
				return nil, err
			}
			receipt = r
		}
		now := s.now()
		next.FundingSource = req.FundingSource
		next.CaptureRef = receipt.Reference
		next.FundedAt = &now
		return &Transition{Next: next, From: cur.Status}, nil
	})
	if err != nil {
		if receipt != nil {
			return s.compensateCapture(ctx, id, req.FundingSource, receipt, err)
		}
		if retired {
			s.retireAttempt(ctx, id)
		}
		return nil, err
	}

	s.observe(ctx, next.ClientID, risk.Event{
		Kind:              risk.EventEscrowFund,
		Amount:            next.Amount,
		At:                *next.FundedAt,
		IP:                req.IP,
		DeviceFingerprint: req.DeviceFingerprint,
	})
	return next, nil
}

// compensateCapture runs when a capture succeeded but the funded state was
// not committed. If the escrow turns out to be funded with this capture the
// commit did land; otherwise the capture is refunded.
func (s *Service) compensateCapture(ctx context.Context, id, source string, receipt *payments.Receipt, cause error) (*Escrow, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if cur, err := s.store.Get(ctx, id); err == nil && cur.Status == StatusFunded && cur.CaptureRef == receipt.Reference {
		return cur, nil
	}
	_, err := s.rail.Refund(ctx, payments.RefundRequest{
		EscrowID:       id,
		CaptureRef:     receipt.Reference,
		Amount:         receipt.Amount,
		IdempotencyKey: payments.RefundKey(id, receipt.Reference),
	})
	if err != nil {
		logging.L(ctx).Error("CRITICAL: escrow capture not recorded and refund failed",
			"escrowId", id, "captureRef", receipt.Reference, "fundingSource", source,
			"amount", receipt.Amount.String(), "cause", cause, "error", err)
		return nil, fmt.Errorf("failed to record funding (capture %s requires manual refund): %w", receipt.Reference, cause)
	}
	logging.L(ctx).Warn("escrow funding rolled back, capture refunded",
		"escrowId", id, "captureRef", receipt.Reference, "cause", cause)
	s.retireAttempt(ctx, id)
	return nil, cause
}

// retireAttempt bumps the version of a still-pending escrow so the next
// Fund derives a new capture key instead of replaying a refunded capture.
// If the bump is lost too, the rail refuses the replay and Fund retries
// the bump.
func (s *Service) retireAttempt(ctx context.Context, id string) {
	_, err := s.mutate(ctx, "fund_retry", id, opOptions{}, func(_ context.Context, cur *Escrow) (*Transition, error) {
		if cur.Status != StatusPending {
			return nil, nil
		}
		return &Transition{Next: s.touch(cur), From: cur.Status}, nil
	})
	if err != nil {
		logging.L(ctx).Error("failed to retire refunded capture attempt", "escrowId", id, "error", err)
	}
}

// MarkDelivered records that the freelancer delivered the work. The
// auto-release grace period starts here. Repeated calls are no-ops.
func (s *Service) MarkDelivered(ctx context.Context, id, actorID string, opts ...Option) (*Escrow, error) {
	return s.mutate(ctx, "deliver", id, collect(opts), func(_ context.Context, cur *Escrow) (*Transition, error) {
		if cur.FreelancerID != actorID {
			return nil, ErrNotParty
		}
		if cur.Status != StatusFunded {
			return nil, fmt.Errorf("%w: escrow is %s, delivery requires funded", apperr.ErrInvalidTransition, cur.Status)
		}
		if cur.DeliveredAt != nil {
			return nil, nil
		}
		next := s.touch(cur)
		now := s.now()
		next.DeliveredAt = &now
		return &Transition{Next: next, From: cur.Status}, nil
	})
}

// Release pays the freelancer on the client's confirmation.
func (s *Service) Release(ctx context.Context, id, actorID string, opts ...Option) (*Escrow, error) {
	return s.mutate(ctx, "release", id, collect(opts), func(_ context.Context, cur *Escrow) (*Transition, error) {
		if cur.ClientID != actorID {
			return nil, ErrNotParty
		}
		if err := refuseDisputed(cur, StatusReleased); err != nil {
			return nil, err
		}
		return s.releaseAll(cur)
	})
}

// Cancel cancels a pending escrow. Cancelling a cancelled escrow is a no-op.
func (s *Service) Cancel(ctx context.Context, id, actorID string, opts ...Option) (*Escrow, error) {
	return s.mutate(ctx, "cancel", id, collect(opts), func(_ context.Context, cur *Escrow) (*Transition, error) {
		if !cur.IsParty(actorID) {
			return nil, ErrNotParty
		}
		return s.cancelPending(cur)
	})
}

// RequestCancellation records one party's consent to cancel. A pending
// escrow is cancelled at once; a funded, undelivered escrow is refunded to
// its funding source once both parties have agreed.
func (s *Service) RequestCancellation(ctx context.Context, id, actorID string, opts ...Option) (*Escrow, error) {
	var refunded *payments.Receipt
	next, err := s.mutate(ctx, "cancellation", id, collect(opts), func(ctx context.Context, cur *Escrow) (*Transition, error) {
		if !cur.IsParty(actorID) {
			return nil, ErrNotParty
		}
		switch cur.Status {
		case StatusPending, StatusCancelled:
			return s.cancelPending(cur)
		case StatusFunded:
		default:
			return nil, apperr.Transition("escrow", cur.Status, StatusRefunded)
		}
		if cur.DeliveredAt != nil {
			return nil, fmt.Errorf("%w: escrow was delivered, cancellation requires a dispute", apperr.ErrInvalidTransition)
		}

		next := s.touch(cur)
		if actorID == cur.ClientID {
			next.ClientCancel = true
		} else {
			next.FreelancerCancel = true
		}
		if next.ClientCancel == cur.ClientCancel && next.FreelancerCancel == cur.FreelancerCancel {
			return nil, nil
		}
		if !next.ClientCancel || !next.FreelancerCancel {
			return &Transition{Next: next, From: cur.Status}, nil
		}

		t, r, err := s.refundAll(ctx, cur, refunded)
		if r != nil {
			refunded = r
		}
		if err != nil {
			return nil, err
		}
		t.Next.ClientCancel, t.Next.FreelancerCancel = true, true
		return t, nil
	})
	if err != nil && refunded != nil {
		logging.L(ctx).Error("CRITICAL: escrow refund sent but refunded state not recorded",
			"escrowId", id, "refundRef", refunded.Reference, "error", err)
	}
	return next, err
}

// Freeze moves a funded escrow to disputed on behalf of the dispute engine.
// attach runs in the same unit of work as the status change.
func (s *Service) Freeze(ctx context.Context, id, actorID string, attach func(ctx context.Context, exec Executor) error) (*Escrow, error) {
	return s.mutate(ctx, "freeze", id, opOptions{}, func(_ context.Context, cur *Escrow) (*Transition, error) {
		if !cur.IsParty(actorID) {
			return nil, ErrNotParty
		}
		next, err := s.advance(cur, StatusDisputed)
		if err != nil {
			return nil, err
		}
		return &Transition{Next: next, From: cur.Status, Attach: attach}, nil
	})
}

// ApplyResolution moves a disputed escrow per the settlement. attach runs
// in the same unit of work as the status change and ledger postings.
func (s *Service) ApplyResolution(ctx context.Context, id string, st Settlement, attach func(ctx context.Context, exec Executor) error) (*Escrow, error) {
	if st.Kind == SettleSplit {
		if err := money.CheckRatio(st.Ratio); err != nil {
			return nil, apperr.Validation("ratio", err.Error())
		}
	}

	var refunded *payments.Receipt
	next, err := s.mutate(ctx, "resolve", id, opOptions{}, func(ctx context.Context, cur *Escrow) (*Transition, error) {
		if cur.Status != StatusDisputed {
			return nil, fmt.Errorf("%w: escrow is %s, resolution requires disputed", apperr.ErrInvalidTransition, cur.Status)
		}

		var (
			t   *Transition
			r   *payments.Receipt
			err error
		)
		switch st.Kind {
		case SettleRestore:
			next, aerr := s.advance(cur, StatusFunded)
			t, err = &Transition{Next: next, From: cur.Status}, aerr
		case SettleRelease:
			t, err = s.releaseAll(cur)
		case SettleRefund:
			t, r, err = s.refundAll(ctx, cur, refunded)
		case SettleSplit:
			t, r, err = s.split(ctx, cur, st.Ratio, refunded)
		default:
			return nil, apperr.Validation("outcome", fmt.Sprintf("unknown settlement %s", st.Kind))
		}
		if r != nil {
			refunded = r
		}
		if err != nil {
			return nil, err
		}
		t.Attach = attach
		return t, nil
	})
	if err != nil && refunded != nil {
		logging.L(ctx).Error("CRITICAL: escrow refund sent but resolution not recorded",
			"escrowId", id, "refundRef", refunded.Reference, "error", err)
	}
	return next, err
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.load(ctx, id)
}

// ListByUser returns escrows where userID is client or freelancer, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	list, err := s.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, storeErr("escrow.list", err)
	}
	return list, nil
}

// AutoRelease releases a delivered escrow whose grace period has passed.
// The freelancer is scored first; a high-risk verdict holds the escrow for
// manual review and raises a fraud alert instead. Escrows that are not due
// are returned unchanged, so repeated sweeps are harmless.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Escrow, bool, error) {
	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !s.due(cur) {
		return cur, false, nil
	}

	var verdict *risk.Assessment
	if s.risk != nil {
		verdict = s.risk.Score(ctx, cur.FreelancerID, risk.Event{
			Kind:   risk.EventEscrowRelease,
			Amount: cur.Amount,
			At:     s.now(),
		})
	}

	if verdict != nil && verdict.HighRisk {
		next, err := s.mutate(ctx, "hold", id, opOptions{}, func(_ context.Context, cur *Escrow) (*Transition, error) {
			if !s.due(cur) {
				return nil, nil
			}
			next := s.touch(cur)
			next.ReviewRequired = true
			return &Transition{Next: next, From: cur.Status}, nil
		})
		if err != nil {
			return nil, false, err
		}
		if next.ReviewRequired && !cur.ReviewRequired {
			metrics.EscrowAutoReleaseHeldTotal.Inc()
			s.logger.Warn("auto-release held for review",
				"escrowId", id, "freelancerId", next.FreelancerID, "score", verdict.Score)
			if s.fraud != nil {
				s.fraud.HoldForReview(ctx, next.FreelancerID, id, verdict)
			}
		}
		return next, false, nil
	}

	released := false
	next, err := s.mutate(ctx, "auto_release", id, opOptions{}, func(_ context.Context, cur *Escrow) (*Transition, error) {
		if !s.due(cur) {
			return nil, nil
		}
		t, err := s.releaseAll(cur)
		released = err == nil
		return t, err
	})
	if err != nil {
		return nil, false, err
	}
	return next, released, nil
}

// Sweep auto-releases every due escrow. It returns how many were released
// and how many were held for review.
func (s *Service) Sweep(ctx context.Context, limit int) (released, held int, err error) {
	if s.grace <= 0 {
		return 0, 0, nil
	}
	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	due, err := s.store.ListDeliveredBefore(listCtx, s.now().Add(-s.grace), limit)
	cancel()
	if err != nil {
		return 0, 0, storeErr("escrow.list_due", err)
	}
	for _, e := range due {
		if ctx.Err() != nil {
			return released, held, ctx.Err()
		}
		next, ok, err := s.AutoRelease(ctx, e.ID)
		switch {
		case err != nil:
			s.logger.Warn("failed to auto-release escrow", "escrowId", e.ID, "error", err)
		case ok:
			released++
			s.logger.Info("auto-released escrow",
				"escrowId", e.ID, "freelancerId", e.FreelancerID, "amount", e.Amount.String())
		case next.ReviewRequired:
			held++
		}
	}
	return released, held, nil
}

// mutate runs step against the freshly read escrow under the per-escrow
// lock and commits the transition it returns. A nil transition means there
// is nothing to do. If the store reports that the escrow changed since it
// was read, the escrow is re-read and step runs once more.
func (s *Service) mutate(ctx context.Context, op, id string, o opOptions, step func(ctx context.Context, cur *Escrow) (*Transition, error)) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockTimeout(ctx, id, s.timeout)
	if err != nil {
		return nil, apperr.External("escrow.lock", err)
	}
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		cur, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.ifStatus != 0 && cur.Status != o.ifStatus {
			return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleState, o.ifStatus, cur.Status)
		}
		t, err := step(ctx, cur)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return cur, nil
		}

		err = s.commit(ctx, t)
		if err == nil {
			s.committed(ctx, op, t)
			return t.Next.Clone(), nil
		}
		if !errors.Is(err, ErrStaleState) {
			return nil, err
		}
		metrics.EscrowConflictsTotal.Inc()
		logging.L(ctx).Info("escrow commit conflicted", "escrowId", id, "op", op, "attempt", attempt)
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) commit(ctx context.Context, t *Transition) error {
	if err := ledger.Validate(t.Entries...); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Commit(ctx, *t); err != nil {
		return storeErr("escrow.commit", err)
	}
	return nil
}

func (s *Service) committed(ctx context.Context, op string, t *Transition) {
	next := t.Next
	if t.From != next.Status {
		metrics.EscrowTransitionsTotal.WithLabelValues(t.From.String(), next.Status.String()).Inc()
		if next.Status.Terminal() {
			metrics.EscrowDuration.Observe(next.UpdatedAt.Sub(next.CreatedAt).Seconds())
		}
	}
	logging.L(ctx).Info("escrow updated",
		"escrowId", next.ID, "op", op, "from", t.From.String(), "to", next.Status.String(),
		"version", next.Version, "entries", len(t.Entries))

	if s.audit == nil {
		return
	}
	payload := map[string]any{
		"op":      op,
		"from":    t.From.String(),
		"to":      next.Status.String(),
		"version": next.Version,
	}
	if len(t.Entries) > 0 {
		payload["entries"] = len(t.Entries)
	}
	err := s.audit.Emit(ctx, audit.Event{
		Type:    audit.TypeEscrowChanged,
		Actor:   logging.Actor(ctx),
		Subject: next.ID,
		Payload: payload,
		At:      next.UpdatedAt,
	})
	if err != nil {
		metrics.AuditDegradedTotal.WithLabelValues("escrow").Inc()
		logging.L(ctx).Warn("escrow audit write failed", "escrowId", next.ID, "error", err)
	}
}

// advance validates cur → to and returns the next version.
func (s *Service) advance(cur *Escrow, to Status) (*Escrow, error) {
	if !CanTransition(cur.Status, to) {
		return nil, apperr.Transition("escrow", cur.Status, to)
	}
	next := s.touch(cur)
	next.Status = to
	return next, nil
}

// touch returns the next version of cur without changing its status.
func (s *Service) touch(cur *Escrow) *Escrow {
	next := cur.Clone()
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	return next
}

// refuseDisputed rejects direct API transitions out of a disputed escrow;
// only ApplyResolution may move it.
func refuseDisputed(cur *Escrow, to Status) error {
	if cur.Status == StatusDisputed {
		return fmt.Errorf("%w: escrow %s -> %s requires a dispute resolution", apperr.ErrInvalidTransition, cur.Status, to)
	}
	return nil
}

func (s *Service) cancelPending(cur *Escrow) (*Transition, error) {
	if cur.Status == StatusCancelled {
		return nil, nil
	}
	next, err := s.advance(cur, StatusCancelled)
	if err != nil {
		return nil, err
	}
	now := s.now()
	next.CancelledAt = &now
	return &Transition{Next: next, From: cur.Status}, nil
}

// releaseAll pays the whole amount to the freelancer, net of fee.
func (s *Service) releaseAll(cur *Escrow) (*Transition, error) {
	next, err := s.advance(cur, StatusReleased)
	if err != nil {
		return nil, err
	}
	now := s.now()
	next.ReleasedAt = &now
	next.FeeAmount = money.Fee(cur.Amount, s.feeBPS)
	var entries []*ledger.Entry
	if net := cur.Amount - next.FeeAmount; net > 0 {
		entries = append(entries, ledger.NewEntry(cur.FreelancerID, net, ledger.TypeEscrowRelease, cur.ID))
	}
	return &Transition{Next: next, From: cur.Status, Entries: entries}, nil
}

// refundAll returns the whole amount to the funding source. prior is the
// receipt of a refund already sent on an earlier attempt.
func (s *Service) refundAll(ctx context.Context, cur *Escrow, prior *payments.Receipt) (*Transition, *payments.Receipt, error) {
	next, err := s.advance(cur, StatusRefunded)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.refund(ctx, cur, cur.Amount, prior)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	next.RefundedAt = &now
	entry := ledger.NewEntry(cur.FundingSource, cur.Amount, ledger.TypeEscrowRefund, cur.ID)
	entry.Reference = r.Reference
	return &Transition{Next: next, From: cur.Status, Entries: []*ledger.Entry{entry}}, r, nil
}

// split credits floor(amount × ratio), net of fee, to the freelancer and
// refunds the remainder. The escrow ends released, or refunded when the
// freelancer's share is zero.
func (s *Service) split(ctx context.Context, cur *Escrow, ratio decimal.Decimal, prior *payments.Receipt) (*Transition, *payments.Receipt, error) {
	share, remainder := money.Split(cur.Amount, ratio)
	if share == 0 {
		t, r, err := s.refundAll(ctx, cur, prior)
		if t != nil {
			t.Entries[0].Type = ledger.TypeEscrowSplitRefund
		}
		return t, r, err
	}

	next, err := s.advance(cur, StatusReleased)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	next.ReleasedAt = &now
	next.FeeAmount = money.Fee(share, s.feeBPS)

	var entries []*ledger.Entry
	if net := share - next.FeeAmount; net > 0 {
		entries = append(entries, ledger.NewEntry(cur.FreelancerID, net, ledger.TypeEscrowSplitRelease, cur.ID))
	}
	var r *payments.Receipt
	if remainder > 0 {
		r, err = s.refund(ctx, cur, remainder, prior)
		if err != nil {
			return nil, nil, err
		}
		next.RefundedAt = &now
		refund := ledger.NewEntry(cur.FundingSource, remainder, ledger.TypeEscrowSplitRefund, cur.ID)
		refund.Reference = r.Reference
		entries = append(entries, refund)
	}
	return &Transition{Next: next, From: cur.Status, Entries: entries}, r, nil
}

func (s *Service) refund(ctx context.Context, cur *Escrow, amount money.Amount, prior *payments.Receipt) (*payments.Receipt, error) {
	if prior != nil {
		return prior, nil
	}
	if cur.CaptureRef == "" {
		return nil, fmt.Errorf("%w: escrow %s has no capture to refund", apperr.ErrInvalidTransition, cur.ID)
	}
	return s.rail.Refund(ctx, payments.RefundRequest{
		EscrowID:       cur.ID,
		CaptureRef:     cur.CaptureRef,
		Amount:         amount,
		Currency:       cur.Currency,
		IdempotencyKey: payments.RefundKey(cur.ID, cur.CaptureRef),
	})
}

func (s *Service) due(e *Escrow) bool {
	if s.grace <= 0 || e.Status != StatusFunded || e.DeliveredAt == nil || e.ReviewRequired {
		return false
	}
	return !s.now().Before(e.DeliveredAt.Add(s.grace))
}

func (s *Service) checkJob(ctx context.Context, jobID string) error {
	if s.jobs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.jobs.AcceptedProposals(ctx, jobID)
	if err != nil {
		return apperr.External("jobs.accepted_proposals", err)
	}
	if n != 1 {
		return ErrJobNotAwarded
	}
	return nil
}

func (s *Service) observe(ctx context.Context, subject string, ev risk.Event) {
	if s.risk == nil {
		return
	}
	a := s.risk.Score(ctx, subject, ev)
	if s.fraud != nil {
		s.fraud.Observe(ctx, subject, a)
	}
}

func (s *Service) load(ctx context.Context, id string) (*Escrow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("escrow.get", err)
	}
	return e, nil
}

// storeErr passes domain errors through and classifies the rest as
// external failures (or timeouts).
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
