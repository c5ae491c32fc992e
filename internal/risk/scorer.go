package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/idgen"
	"github.com/gigmarket/trustcore/internal/metrics"
	"github.com/gigmarket/trustcore/internal/syncutil"
)

const (
	DefaultDecay    = 0.1
	DefaultBaseline = 30.0

	// recordBuffer is how many assessments may wait for the audit store
	// before new ones are dropped.
	recordBuffer = 256
)

// Scorer loads profiles, evaluates events and persists the trust update.
type Scorer struct {
	profiles ProfileStore
	audit    AssessmentStore
	weights  Weights
	decay    float64
	baseline float64
	timeout  time.Duration
	locks    syncutil.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time

	buffer   int
	queueMu  sync.RWMutex
	queue    chan *Assessment // nil until WithAuditStore, nil again after Close
	recorded chan struct{}    // closed when the recorder has drained queue
}

// NewScorer creates a scorer over the given profile store.
func NewScorer(profiles ProfileStore, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		profiles: profiles,
		weights:  DefaultWeights(),
		decay:    DefaultDecay,
		baseline: DefaultBaseline,
		timeout:  10 * time.Second,
		logger:   logger,
		now:      time.Now,
		buffer:   recordBuffer,
	}
}

// WithAuditStore records every assessment on a single background recorder,
// best effort. When the recorder falls behind, assessments are dropped and
// counted. Call Close to drain it.
func (s *Scorer) WithAuditStore(store AssessmentStore) *Scorer {
	s.audit = store
	s.queue = make(chan *Assessment, s.buffer)
	s.recorded = make(chan struct{})
	go s.runRecorder(s.queue, s.recorded)
	return s
}

// Close stops accepting assessments and waits, until ctx is done, for the
// queued ones to be recorded.
func (s *Scorer) Close(ctx context.Context) {
	s.queueMu.Lock()
	queue, recorded := s.queue, s.recorded
	s.queue = nil
	s.queueMu.Unlock()
	if queue == nil {
		return
	}
	close(queue)
	select {
	case <-recorded:
	case <-ctx.Done():
		s.logger.Warn("risk assessment recorder did not drain", "pending", len(queue))
	}
}

// WithWeights overrides the factor weights.
func (s *Scorer) WithWeights(w Weights) *Scorer {
	s.weights = w
	return s
}

// WithTrustUpdate overrides the trust decay and baseline.
func (s *Scorer) WithTrustUpdate(decay, baseline float64) *Scorer {
	s.decay = decay
	s.baseline = baseline
	return s
}

// WithTimeout bounds profile lock waits and store calls.
func (s *Scorer) WithTimeout(d time.Duration) *Scorer {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Score evaluates ev for subject and folds it into the subject's profile.
//
// When the profile cannot be loaded the neutral profile is used instead,
// the assessment is flagged Fallback and its score is capped at 69: a
// storage outage never produces a high-risk verdict on its own. Scoring
// itself never fails.
func (s *Scorer) Score(ctx context.Context, subject string, ev Event) *Assessment {
	if ev.At.IsZero() {
		ev.At = s.now()
	}

	unlock, lockErr := s.locks.LockTimeout(ctx, subject, s.timeout)
	if lockErr == nil {
		defer unlock()
	}

	profile, loadErr := s.load(ctx, subject)
	if lockErr != nil {
		loadErr = apperr.External("risk.lock", lockErr)
	}
	fallback := loadErr != nil
	if fallback {
		s.logger.Warn("risk profile unavailable, scoring against neutral profile",
			"subject", subject, "kind", ev.Kind, "error", loadErr)
		profile = NewProfile(subject)
	}

	a := Evaluate(profile, ev, s.weights)
	a.ID = idgen.WithPrefix(idgen.Assessment)
	if fallback {
		a.Fallback = true
		if a.Score > FallbackCap {
			a.Score = FallbackCap
		}
		a.HighRisk = false
		a.Severity = SeverityOf(a.Score)
	} else {
		next := Observe(profile, ev, a.Score, s.decay, s.baseline)
		saveCtx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := s.profiles.Save(saveCtx, next); err != nil {
			s.logger.Warn("failed to persist risk profile", "subject", subject, "error", err)
		}
		cancel()
	}

	metrics.RiskScores.WithLabelValues(string(ev.Kind)).Observe(float64(a.Score))
	if fallback {
		metrics.RiskFallbacksTotal.Inc()
	}
	s.record(a)
	return a
}

// Profile returns the stored profile for subject.
func (s *Scorer) Profile(ctx context.Context, subject string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.profiles.Get(ctx, subject)
}

// Trust returns subject's trust score, or the neutral default when the
// subject has never been scored or the store is unavailable.
func (s *Scorer) Trust(ctx context.Context, subject string) float64 {
	p, err := s.Profile(ctx, subject)
	if err != nil {
		if !isNotFound(err) {
			s.logger.Warn("risk profile unavailable, using neutral trust", "subject", subject, "error", err)
		}
		return DefaultTrust
	}
	return p.TrustScore
}

// Penalize lowers subject's trust after a lost dispute.
func (s *Scorer) Penalize(ctx context.Context, subject string, severity Severity) error {
	unlock, err := s.locks.LockTimeout(ctx, subject, s.timeout)
	if err != nil {
		return apperr.External("risk.lock", err)
	}
	defer unlock()

	p, err := s.load(ctx, subject)
	if err != nil {
		return err
	}
	next := p.Clone()
	next.TrustScore = clampTrust(p.TrustScore - PenaltyFor(severity))
	next.UpdatedAt = s.now()

	saveCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.profiles.Save(saveCtx, next); err != nil {
		return apperr.External("risk.save", err)
	}
	s.logger.Info("trust penalized", "subject", subject, "severity", severity,
		"from", p.TrustScore, "to", next.TrustScore)
	return nil
}

// KnownOrigin reports whether the ip/device pair has been seen for subject.
func (s *Scorer) KnownOrigin(ctx context.Context, subject, ip, device string) (bool, error) {
	p, err := s.load(ctx, subject)
	if err != nil {
		return false, err
	}
	return p.Knows(OriginKey(ip, device)), nil
}

// Anomalous reports an unknown origin on a profile that has history.
func (s *Scorer) Anomalous(ctx context.Context, subject, ip, device string) (bool, error) {
	p, err := s.load(ctx, subject)
	if err != nil {
		return false, err
	}
	origin := OriginKey(ip, device)
	return origin != "" && p.HasHistory() && !p.Knows(origin), nil
}

// load returns the stored profile, a fresh neutral profile for unseen
// subjects, or an error when the store fails.
func (s *Scorer) load(ctx context.Context, subject string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	p, err := s.profiles.Get(ctx, subject)
	switch {
	case err == nil:
		return p, nil
	case isNotFound(err):
		return NewProfile(subject), nil
	default:
		return nil, apperr.External("risk.load", err)
	}
}

func (s *Scorer) record(a *Assessment) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.queue == nil {
		if s.audit != nil {
			metrics.RiskAssessmentsDroppedTotal.Inc()
		}
		return
	}
	select {
	case s.queue <- a:
	default:
		metrics.RiskAssessmentsDroppedTotal.Inc()
		s.logger.Warn("risk assessment recorder full, dropping assessment", "id", a.ID, "subject", a.Subject)
	}
}

func (s *Scorer) runRecorder(queue <-chan *Assessment, recorded chan<- struct{}) {
	defer close(recorded)
	for a := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.audit.Record(ctx, a); err != nil {
			s.logger.Warn("failed to record risk assessment", "id", a.ID, "error", err)
		}
		cancel()
	}
}
