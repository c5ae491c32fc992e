package dispute

import (
	"math"
	"time"

	"github.com/gigmarket/trustcore/internal/money"
	"github.com/gigmarket/trustcore/internal/risk"
)

// Priority weights. They sum to 100.
const (
	amountWeight = 40.0
	riskWeight   = 40.0
	ageWeight    = 20.0

	// amountCeiling is the major-unit amount that saturates the amount
	// factor (log10 scale).
	amountCeiling = 100_000.0
	// ageCeiling saturates the age factor.
	ageCeiling = 14 * 24 * time.Hour
)

// Priority scores a dispute in [0, 100] from the escrow amount, the combined
// risk of both parties (each 100 − trust, so 0..200) and how long it has been
// open. Higher sorts first.
func Priority(amount money.Amount, combinedRisk float64, open time.Duration) float64 {
	major, _ := amount.Decimal().Float64()
	amountFactor := clamp01(math.Log10(math.Max(major, 0)+1) / math.Log10(amountCeiling+1))
	riskFactor := clamp01(combinedRisk / 200)
	ageFactor := clamp01(float64(open) / float64(ageCeiling))

	score := amountWeight*amountFactor + riskWeight*riskFactor + ageWeight*ageFactor
	return math.Round(score*100) / 100
}

// SeverityOf bands a priority score.
func SeverityOf(priority float64) risk.Severity {
	return risk.SeverityOf(int(math.Round(priority)))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
