package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/audit"
	"github.com/gigmarket/trustcore/internal/escrow"
	"github.com/gigmarket/trustcore/internal/idgen"
	"github.com/gigmarket/trustcore/internal/logging"
	"github.com/gigmarket/trustcore/internal/metrics"
	"github.com/gigmarket/trustcore/internal/mfa"
	"github.com/gigmarket/trustcore/internal/pagination"
	"github.com/gigmarket/trustcore/internal/risk"
	"github.com/gigmarket/trustcore/internal/traces"
	"github.com/gigmarket/trustcore/internal/validation"
)

// Feed event kinds.
const (
	EventAlertRaised   = "fraud_alert"
	EventAlertReviewed = "fraud_alert_reviewed"
)

const (
	// MaxNoteLength bounds the operator's review note.
	MaxNoteLength = 1000

	defaultListLimit = 50
	maxListLimit     = 500
	statsScanLimit   = 10_000
	maxStatsWindow   = 90 * 24 * time.Hour
)

var (
	_ escrow.FraudMonitor = (*Pipeline)(nil)
	_ mfa.FraudReporter   = (*Pipeline)(nil)
)

// Pipeline raises, deduplicates and reviews fraud alerts.
type Pipeline struct {
	store    Store
	rules    Rules
	cooldown time.Duration
	feed     Feed
	audit    audit.Sink
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline with a 30 minute cool-down.
func NewPipeline(store Store, rules Rules, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		rules:    rules,
		cooldown: 30 * time.Minute,
		timeout:  10 * time.Second,
		logger:   logger,
		now:      time.Now,
	}
}

// WithCooldown sets how long a pending alert absorbs repeats of its rule.
func (p *Pipeline) WithCooldown(d time.Duration) *Pipeline {
	if d > 0 {
		p.cooldown = d
	}
	return p
}

// WithFeed broadcasts new and reviewed alerts.
func (p *Pipeline) WithFeed(f Feed) *Pipeline {
	p.feed = f
	return p
}

// WithAuditSink records raised and reviewed alerts.
func (p *Pipeline) WithAuditSink(sink audit.Sink) *Pipeline {
	p.audit = sink
	return p
}

// WithTimeout bounds store calls.
func (p *Pipeline) WithTimeout(d time.Duration) *Pipeline {
	if d > 0 {
		p.timeout = d
	}
	return p
}

// Observe runs the assessment rules for subject. Failures are logged; the
// caller's operation never depends on alerting.
func (p *Pipeline) Observe(ctx context.Context, subject string, a *risk.Assessment) {
	for _, f := range p.rules.Evaluate(a) {
		p.raise(ctx, subject, f)
	}
}

// HoldForReview raises a threshold alert tied to the escrow whose
// auto-release was withheld. Its severity is at least High.
func (p *Pipeline) HoldForReview(ctx context.Context, subject, escrowID string, a *risk.Assessment) {
	if a == nil {
		return
	}
	p.raise(ctx, subject, Finding{
		Type:     RuleThreshold,
		Severity: max(risk.SeverityHigh, a.Severity),
		Score:    a.Score,
		Detail:   fmt.Sprintf("auto-release of %s held: %s scored %d", escrowID, a.Kind, a.Score),
		EscrowID: escrowID,
	})
}

// ReportMFA raises an mfa_failures alert for anomalous or throttled
// verification attempts.
func (p *Pipeline) ReportMFA(ctx context.Context, userID string, anomalous, throttled bool) {
	if f, ok := mfaFinding(anomalous, throttled); ok {
		p.raise(ctx, userID, f)
	}
}

func (p *Pipeline) raise(ctx context.Context, subject string, f Finding) {
	if subject == "" {
		return
	}
	now := p.now()
	candidate := &Alert{
		ID:          idgen.WithPrefix(idgen.Alert),
		Subject:     subject,
		Type:        f.Type,
		Severity:    f.Severity,
		Status:      StatusPending,
		Detail:      f.Detail,
		Score:       f.Score,
		EscrowID:    f.EscrowID,
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	upCtx, cancel := context.WithTimeout(ctx, p.timeout)
	stored, created, err := p.store.UpsertPending(upCtx, candidate, now.Add(-p.cooldown))
	cancel()
	if err != nil {
		p.logger.Error("fraud alert not recorded",
			"subject", subject, "type", f.Type, "severity", f.Severity.String(), "error", err)
		return
	}

	outcome := "updated"
	if created {
		outcome = "created"
	}
	metrics.FraudAlertsTotal.WithLabelValues(f.Type, f.Severity.String(), outcome).Inc()
	if !created {
		logging.L(ctx).Debug("fraud alert repeated",
			"alertId", stored.ID, "subject", subject, "occurrences", stored.Occurrences)
		return
	}

	if stored.Severity >= risk.SeverityHigh {
		logging.Security(ctx, "fraud alert raised",
			"alertId", stored.ID, "subject", subject, "type", stored.Type, "severity", stored.Severity.String())
	} else {
		logging.L(ctx).Info("fraud alert raised",
			"alertId", stored.ID, "subject", subject, "type", stored.Type, "severity", stored.Severity.String())
	}
	p.emit(ctx, "raised", stored)
	p.publish(EventAlertRaised, stored)
}

// Get returns one alert.
func (p *Pipeline) Get(ctx context.Context, id string) (*Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	a, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("fraud.get", err)
	}
	return a, nil
}

// Review records an operator's decision on an alert.
func (p *Pipeline) Review(ctx context.Context, alertID, operatorID string, status Status, note string) (_ *Alert, err error) {
	ctx, span := traces.StartSpan(ctx, "fraud.review", traces.Actor(operatorID), traces.Status(status.String()))
	defer func() { traces.End(span, err) }()

	if err := validation.Validate(
		validation.Required("operatorId", operatorID),
		validation.MaxLength("note", note, MaxNoteLength),
	); err != nil {
		return nil, err
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}

	a, err := p.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !a.Status.CanMoveTo(status) {
		return nil, apperr.Transition("fraud alert", a.Status, status)
	}

	from := a.Status
	now := p.now()
	a.Status = status
	a.ReviewedBy = operatorID
	a.ReviewedAt = &now
	a.ReviewNote = note
	a.UpdatedAt = now

	reviewCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err = p.store.Review(reviewCtx, a, from)
	cancel()
	if err != nil {
		return nil, storeErr("fraud.review", err)
	}

	logging.L(ctx).Info("fraud alert reviewed",
		"alertId", a.ID, "subject", a.Subject, "from", from.String(), "to", status.String())
	p.emit(ctx, "reviewed", a)
	p.publish(EventAlertReviewed, a)
	return a, nil
}

// List returns one page of alerts matching f, newest first, and the cursor
// of the next page ("" on the last one).
func (p *Pipeline) List(ctx context.Context, f Filter) ([]*Alert, string, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	limit := f.Limit
	f.Limit++

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	alerts, err := p.store.List(ctx, f)
	if err != nil {
		return nil, "", storeErr("fraud.list", err)
	}
	page, next, _ := pagination.ComputePage(alerts, limit, func(a *Alert) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	return page, next, nil
}

// Stats summarizes alerts created within the last window. It only reads.
func (p *Pipeline) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if window > maxStatsWindow {
		return nil, apperr.Validation("window", "must not exceed 90 days")
	}
	since := p.now().Add(-window)

	listCtx, cancel := context.WithTimeout(ctx, p.timeout)
	alerts, err := p.store.List(listCtx, Filter{Since: since, Limit: statsScanLimit})
	cancel()
	if err != nil {
		return nil, storeErr("fraud.stats", err)
	}
	if len(alerts) == statsScanLimit {
		p.logger.Warn("fraud stats truncated", "window", window.String(), "limit", statsScanLimit)
	}
	return summarize(alerts, window, since), nil
}

func summarize(alerts []*Alert, window time.Duration, since time.Time) *Stats {
	st := &Stats{
		Window:     window.String(),
		Since:      since,
		Total:      len(alerts),
		BySeverity: make(map[string]int),
		ByStatus:   make(map[string]int),
		ByType:     make(map[string]int),
	}
	for _, sev := range []risk.Severity{risk.SeverityLow, risk.SeverityMedium, risk.SeverityHigh, risk.SeverityCritical} {
		st.BySeverity[sev.String()] = 0
	}
	for _, s := range []Status{StatusPending, StatusReviewed, StatusDismissed, StatusConfirmed} {
		st.ByStatus[s.String()] = 0
	}

	sum := 0
	for _, a := range alerts {
		st.BySeverity[a.Severity.String()]++
		st.ByStatus[a.Status.String()]++
		st.ByType[a.Type]++
		// MFA alerts carry no assessment.
		if a.Score == 0 {
			continue
		}
		if st.Scores.Count == 0 || a.Score < st.Scores.Min {
			st.Scores.Min = a.Score
		}
		st.Scores.Max = max(st.Scores.Max, a.Score)
		st.Scores.Count++
		sum += a.Score
	}
	if st.Scores.Count > 0 {
		st.Scores.Mean = float64(sum) / float64(st.Scores.Count)
	}
	return st
}

func (p *Pipeline) emit(ctx context.Context, action string, a *Alert) {
	if p.audit == nil {
		return
	}
	err := p.audit.Emit(ctx, audit.Event{
		Type:    audit.TypeFraudAlert,
		Actor:   logging.Actor(ctx),
		Subject: a.Subject,
		Payload: map[string]any{
			"action":   action,
			"alertId":  a.ID,
			"rule":     a.Type,
			"severity": a.Severity.String(),
			"status":   a.Status.String(),
		},
		At: a.UpdatedAt,
	})
	if err != nil {
		metrics.AuditDegradedTotal.WithLabelValues("fraud").Inc()
		logging.L(ctx).Warn("fraud audit write failed", "alertId", a.ID, "error", err)
	}
}

func (p *Pipeline) publish(kind string, a *Alert) {
	if p.feed != nil {
		p.feed.Publish(kind, a.Clone())
	}
}

func storeErr(op string, err error) error {
	for _, kind := range []error{apperr.ErrNotFound, apperr.ErrConflict, apperr.ErrValidation, apperr.ErrTimeout} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return apperr.External(op, err)
}
