// Package risk scores behavioral events (logins, MFA checks, escrow funding,
// withdrawals) against a per-subject profile.
//
// Scores range from 0 (safe) to 100. A score of 70 or more is high risk and
// blocks automatic money movement. Scoring is split in two: the Scorer loads
// and persists profiles, while Evaluate is a pure function of the profile,
// the event and the weights, so the same inputs always give the same score.
package risk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/money"
)

var ErrProfileNotFound = fmt.Errorf("%w: risk profile", apperr.ErrNotFound)

const (
	HighRiskThreshold = 70
	FallbackCap       = 69

	DefaultTrust = 50.0

	maxRecent  = 50
	maxOrigins = 100
)

// EventKind names the action being scored.
type EventKind string

const (
	EventLogin         EventKind = "login"
	EventMFAVerify     EventKind = "mfa_verify"
	EventEscrowFund    EventKind = "escrow_fund"
	EventEscrowRelease EventKind = "escrow_release"
	EventWithdrawal    EventKind = "withdrawal"
)

// Event is a single behavioral signal.
type Event struct {
	Kind              EventKind    `json:"kind"`
	Amount            money.Amount `json:"amount"`
	At                time.Time    `json:"at"`
	IP                string       `json:"ip,omitempty"`
	DeviceFingerprint string       `json:"deviceFingerprint,omitempty"`
}

// Origin is the key under which the event's network origin is remembered.
func (e Event) Origin() string {
	return OriginKey(e.IP, e.DeviceFingerprint)
}

// OriginKey combines an IP and device fingerprint. Either may be empty;
// both empty yields "".
func OriginKey(ip, device string) string {
	if ip == "" && device == "" {
		return ""
	}
	return ip + "|" + device
}

// Observation is a scored event kept in the profile's rolling window.
type Observation struct {
	Score  int          `json:"score"`
	Amount money.Amount `json:"amount"`
	Kind   EventKind    `json:"kind"`
	Origin string       `json:"origin,omitempty"`
	At     time.Time    `json:"at"`
}

// Profile is the behavioral history of one subject.
type Profile struct {
	Subject          string        `json:"subject"`
	TrustScore       float64       `json:"trustScore"`
	TransactionCount int           `json:"transactionCount"`
	Recent           []Observation `json:"recent"`
	KnownOrigins     []string      `json:"knownOrigins"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// NewProfile returns the neutral profile given to unseen subjects.
func NewProfile(subject string) *Profile {
	return &Profile{Subject: subject, TrustScore: DefaultTrust}
}

// HasHistory reports whether any origin has been recorded.
func (p *Profile) HasHistory() bool {
	return len(p.KnownOrigins) > 0
}

// Knows reports whether origin has been seen before.
func (p *Profile) Knows(origin string) bool {
	return slices.Contains(p.KnownOrigins, origin)
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.Recent = slices.Clone(p.Recent)
	cp.KnownOrigins = slices.Clone(p.KnownOrigins)
	return &cp
}

// Severity bands a risk score.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// SeverityOf returns the band for score: Low <40, Medium 40-69,
// High 70-89, Critical 90+.
func SeverityOf(score int) Severity {
	switch {
	case score >= 90:
		return SeverityCritical
	case score >= HighRiskThreshold:
		return SeverityHigh
	case score >= 40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "unknown"
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if name == s {
			return Severity(i), nil
		}
	}
	return 0, apperr.Validation("severity", fmt.Sprintf("unknown severity %q", s))
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Assessment is the result of scoring one event.
type Assessment struct {
	ID          string             `json:"id"`
	Subject     string             `json:"subject"`
	Kind        EventKind          `json:"kind"`
	Score       int                `json:"score"`
	HighRisk    bool               `json:"highRisk"`
	Severity    Severity           `json:"severity"`
	Factors     map[string]float64 `json:"factors"`
	Fallback    bool               `json:"fallback"`
	Profile     *Profile           `json:"profile,omitempty"`
	Event       Event              `json:"event"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
}

// ProfileStore persists risk profiles.
type ProfileStore interface {
	Get(ctx context.Context, subject string) (*Profile, error)
	Save(ctx context.Context, profile *Profile) error
}

// AssessmentStore persists assessments for the audit trail.
type AssessmentStore interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListBySubject(ctx context.Context, subject string, limit int) ([]*Assessment, error)
}

// Observe folds a scored event into the profile and applies the trust update
//
//	new_trust = clamp(old_trust + decay*(baseline - score), 0, 100)
//
// It returns a new profile; p is not modified.
func Observe(p *Profile, ev Event, score int, decay, baseline float64) *Profile {
	next := p.Clone()
	next.TrustScore = clampTrust(p.TrustScore + decay*(baseline-float64(score)))
	if ev.Amount > 0 {
		next.TransactionCount++
	}
	next.Recent = append(next.Recent, Observation{
		Score:  score,
		Amount: ev.Amount,
		Kind:   ev.Kind,
		Origin: ev.Origin(),
		At:     ev.At,
	})
	if len(next.Recent) > maxRecent {
		next.Recent = next.Recent[len(next.Recent)-maxRecent:]
	}
	if origin := ev.Origin(); origin != "" && !next.Knows(origin) {
		next.KnownOrigins = append(next.KnownOrigins, origin)
		if len(next.KnownOrigins) > maxOrigins {
			next.KnownOrigins = next.KnownOrigins[len(next.KnownOrigins)-maxOrigins:]
		}
	}
	next.UpdatedAt = ev.At
	return next
}

// PenaltyFor is the trust deduction applied when a subject loses a dispute.
func PenaltyFor(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 30
	case SeverityHigh:
		return 20
	case SeverityMedium:
		return 10
	default:
		return 5
	}
}

func clampTrust(v float64) float64 {
	v = roundTo(v, 2)
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound)
}
