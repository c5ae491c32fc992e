package risk

import (
	"math"
	"time"
)

// Factor names as they appear in Assessment.Factors.
const (
	FactorAmountDeviation = "amount_deviation"
	FactorVelocity        = "velocity"
	FactorOriginNovelty   = "origin_novelty"
	FactorTrustDeficit    = "trust_deficit"
	FactorEventKind       = "event_kind"
)

// factorOrder fixes summation order so float rounding is reproducible.
var factorOrder = [...]string{
	FactorAmountDeviation,
	FactorVelocity,
	FactorOriginNovelty,
	FactorTrustDeficit,
	FactorEventKind,
}

const (
	velocityWindow    = time.Hour
	velocitySaturates = 10
)

// Weights scale each factor (0..1) into the 0..100 score. They should sum
// to 1 so that every factor at its maximum yields 100.
type Weights struct {
	AmountDeviation float64
	Velocity        float64
	OriginNovelty   float64
	TrustDeficit    float64
	EventKind       float64
}

// DefaultWeights returns the production weighting.
func DefaultWeights() Weights {
	return Weights{
		AmountDeviation: 0.30,
		Velocity:        0.20,
		OriginNovelty:   0.20,
		TrustDeficit:    0.20,
		EventKind:       0.10,
	}
}

// kindWeight orders events by how much damage a compromised account can do
// with them: withdrawal > escrow_fund > mfa_verify > login.
func kindWeight(k EventKind) float64 {
	switch k {
	case EventWithdrawal:
		return 1.0
	case EventEscrowRelease:
		return 0.8
	case EventEscrowFund:
		return 0.6
	case EventMFAVerify:
		return 0.4
	case EventLogin:
		return 0.2
	default:
		return 0.5
	}
}

// Evaluate scores ev against profile. It reads neither the clock nor any
// package state; the result depends only on its arguments. Contributions in
// Factors are already weighted and scaled to points.
func Evaluate(profile *Profile, ev Event, w Weights) *Assessment {
	raw := map[string]float64{
		FactorAmountDeviation: amountDeviation(profile, ev),
		FactorVelocity:        velocity(profile, ev),
		FactorOriginNovelty:   originNovelty(profile, ev),
		FactorTrustDeficit:    (100 - profile.TrustScore) / 100,
		FactorEventKind:       kindWeight(ev.Kind),
	}
	weights := map[string]float64{
		FactorAmountDeviation: w.AmountDeviation,
		FactorVelocity:        w.Velocity,
		FactorOriginNovelty:   w.OriginNovelty,
		FactorTrustDeficit:    w.TrustDeficit,
		FactorEventKind:       w.EventKind,
	}

	factors := make(map[string]float64, len(raw))
	var total float64
	for _, name := range factorOrder {
		points := clamp01(raw[name]) * weights[name] * 100
		factors[name] = roundTo(points, 2)
		total += points
	}

	score := int(math.Round(total))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return &Assessment{
		Subject:     profile.Subject,
		Kind:        ev.Kind,
		Score:       score,
		HighRisk:    score >= HighRiskThreshold,
		Severity:    SeverityOf(score),
		Factors:     factors,
		Profile:     profile.Clone(),
		Event:       ev,
		EvaluatedAt: ev.At,
	}
}

// amountDeviation compares the amount with the mean of recent non-zero
// amounts on a log10 scale: 10x the mean = 0.5, 100x = 1.0.
func amountDeviation(p *Profile, ev Event) float64 {
	if ev.Amount <= 0 {
		return 0
	}
	var sum, n float64
	for _, o := range p.Recent {
		if o.Amount > 0 {
			sum += float64(o.Amount)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	ratio := float64(ev.Amount) / (sum / n)
	if ratio <= 1 {
		return 0
	}
	return math.Log10(ratio) / 2
}

// velocity counts observations in the hour before the event; ten or more
// saturates the factor.
func velocity(p *Profile, ev Event) float64 {
	from := ev.At.Add(-velocityWindow)
	count := 0
	for _, o := range p.Recent {
		if o.At.After(from) && !o.At.After(ev.At) {
			count++
		}
	}
	return float64(count) / velocitySaturates
}

// originNovelty is 1 for an unknown origin on a profile that already has
// known origins. A profile with no history has nothing to compare against.
func originNovelty(p *Profile, ev Event) float64 {
	origin := ev.Origin()
	if origin == "" || !p.HasHistory() || p.Knows(origin) {
		return 0
	}
	return 1
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
