package fraud

import (
	"fmt"
	"time"

	"github.com/gigmarket/trustcore/internal/money"
	"github.com/gigmarket/trustcore/internal/risk"
)

// Finding is one rule firing, before deduplication.
type Finding struct {
	Type     string
	Severity risk.Severity
	Score    int
	Detail   string
	EscrowID string
}

// Rules holds the tunables of the assessment rules.
type Rules struct {
	// VelocityCount is how many high-value transactions a subject may make
	// within VelocityWindow before the velocity rule fires.
	VelocityCount  int
	VelocityWindow time.Duration
	// HighValue is the smallest amount counted as high value.
	HighValue money.Amount
}

// DefaultRules returns production thresholds: more than 5 transactions of
// 1000.00 or more within an hour.
func DefaultRules() Rules {
	return Rules{
		VelocityCount:  5,
		VelocityWindow: time.Hour,
		HighValue:      100_000,
	}
}

func (r Rules) highValue(a money.Amount) bool {
	return r.HighValue > 0 && a >= r.HighValue
}

// Evaluate runs every assessment rule. It is pure: the result depends only
// on r and a. Fallback assessments were scored against a neutral profile,
// so the history rules skip them.
func (r Rules) Evaluate(a *risk.Assessment) []Finding {
	if a == nil {
		return nil
	}
	var out []Finding
	if f, ok := threshold(a); ok {
		out = append(out, f)
	}
	if a.Fallback || a.Profile == nil {
		return out
	}
	if f, ok := r.velocity(a); ok {
		out = append(out, f)
	}
	if f, ok := r.originAnomaly(a); ok {
		out = append(out, f)
	}
	return out
}

func threshold(a *risk.Assessment) (Finding, bool) {
	if a.Score < risk.HighRiskThreshold {
		return Finding{}, false
	}
	sev := risk.SeverityHigh
	if a.Score >= 90 {
		sev = risk.SeverityCritical
	}
	return Finding{
		Type:     RuleThreshold,
		Severity: sev,
		Score:    a.Score,
		Detail:   fmt.Sprintf("%s scored %d", a.Kind, a.Score),
	}, true
}

// velocity counts high-value observations in the window ending at the
// event, the event itself included. The profile in the assessment predates
// the event.
func (r Rules) velocity(a *risk.Assessment) (Finding, bool) {
	if r.VelocityCount <= 0 || !r.highValue(a.Event.Amount) {
		return Finding{}, false
	}
	from := a.Event.At.Add(-r.VelocityWindow)
	n := 1
	for _, o := range a.Profile.Recent {
		if r.highValue(o.Amount) && o.At.After(from) && !o.At.After(a.Event.At) {
			n++
		}
	}
	if n <= r.VelocityCount {
		return Finding{}, false
	}
	sev := risk.SeverityHigh
	if n >= 2*r.VelocityCount {
		sev = risk.SeverityCritical
	}
	return Finding{
		Type:     RuleVelocity,
		Severity: sev,
		Score:    a.Score,
		Detail:   fmt.Sprintf("%d transactions of %s or more within %s", n, r.HighValue, r.VelocityWindow),
	}, true
}

func (r Rules) originAnomaly(a *risk.Assessment) (Finding, bool) {
	origin := a.Event.Origin()
	if origin == "" || !a.Profile.HasHistory() || a.Profile.Knows(origin) {
		return Finding{}, false
	}
	sev := risk.SeverityMedium
	if r.highValue(a.Event.Amount) {
		sev = risk.SeverityHigh
	}
	return Finding{
		Type:     RuleOriginAnomaly,
		Severity: sev,
		Score:    a.Score,
		Detail:   fmt.Sprintf("%s from unrecognized origin %s", a.Kind, a.Event.IP),
	}, true
}

// mfaFinding classifies a reported MFA signal.
func mfaFinding(anomalous, throttled bool) (Finding, bool) {
	switch {
	case throttled:
		return Finding{
			Type:     RuleMFAFailures,
			Severity: risk.SeverityHigh,
			Detail:   "mfa verification throttled after repeated failures",
		}, true
	case anomalous:
		return Finding{
			Type:     RuleMFAFailures,
			Severity: risk.SeverityMedium,
			Detail:   "mfa verification from anomalous origin",
		}, true
	}
	return Finding{}, false
}
