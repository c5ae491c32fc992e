package fraud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/trustcore/internal/money"
	"github.com/gigmarket/trustcore/internal/risk"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testRules() Rules {
	return Rules{VelocityCount: 3, VelocityWindow: time.Hour, HighValue: 100_000}
}

func assessment(score int, amount money.Amount, recent ...risk.Observation) *risk.Assessment {
	return &risk.Assessment{
		Subject:  "usr_alice",
		Kind:     risk.EventEscrowFund,
		Score:    score,
		Severity: risk.SeverityOf(score),
		Profile: &risk.Profile{
			Subject:      "usr_alice",
			TrustScore:   50,
			Recent:       recent,
			KnownOrigins: []string{risk.OriginKey("10.0.0.1", "dev_1")},
		},
		Event: risk.Event{
			Kind:              risk.EventEscrowFund,
			Amount:            amount,
			At:                t0,
			IP:                "10.0.0.1",
			DeviceFingerprint: "dev_1",
		},
	}
}

func highValueAgo(d time.Duration) risk.Observation {
	return risk.Observation{Amount: 150_000, Kind: risk.EventEscrowFund, At: t0.Add(-d)}
}

func findings(fs []Finding, typ string) []Finding {
	var out []Finding
	for _, f := range fs {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestRules_Threshold(t *testing.T) {
	tests := []struct {
		score int
		fires bool
		want  risk.Severity
	}{
		{0, false, 0},
		{69, false, 0},
		{70, true, risk.SeverityHigh},
		{89, true, risk.SeverityHigh},
		{90, true, risk.SeverityCritical},
		{100, true, risk.SeverityCritical},
	}
	for _, tt := range tests {
		got := findings(testRules().Evaluate(assessment(tt.score, 100)), RuleThreshold)
		if !tt.fires {
			assert.Empty(t, got, "score %d", tt.score)
			continue
		}
		require.Len(t, got, 1, "score %d", tt.score)
		assert.Equal(t, tt.want, got[0].Severity, "score %d", tt.score)
		assert.Equal(t, tt.score, got[0].Score)
	}
}

func TestRules_Velocity(t *testing.T) {
	tests := []struct {
		name   string
		amount money.Amount
		recent []risk.Observation
		fires  bool
		want   risk.Severity
	}{
		{
			name:   "at the limit",
			amount: 100_000,
			recent: []risk.Observation{highValueAgo(time.Minute), highValueAgo(10 * time.Minute)},
		},
		{
			name:   "one over",
			amount: 100_000,
			recent: []risk.Observation{highValueAgo(time.Minute), highValueAgo(2 * time.Minute), highValueAgo(3 * time.Minute)},
			fires:  true,
			want:   risk.SeverityHigh,
		},
		{
			name:   "double the limit",
			amount: 200_000,
			recent: []risk.Observation{
				highValueAgo(time.Minute), highValueAgo(2 * time.Minute), highValueAgo(3 * time.Minute),
				highValueAgo(4 * time.Minute), highValueAgo(5 * time.Minute),
			},
			fires: true,
			want:  risk.SeverityCritical,
		},
		{
			name:   "old activity outside window",
			amount: 100_000,
			recent: []risk.Observation{highValueAgo(time.Minute), highValueAgo(2 * time.Hour), highValueAgo(3 * time.Hour)},
		},
		{
			name:   "small prior amounts ignored",
			amount: 100_000,
			recent: []risk.Observation{
				{Amount: 500, At: t0.Add(-time.Minute)},
				{Amount: 99_999, At: t0.Add(-2 * time.Minute)},
				highValueAgo(3 * time.Minute), highValueAgo(4 * time.Minute),
			},
		},
		{
			name:   "small current amount",
			amount: 99_999,
			recent: []risk.Observation{
				highValueAgo(time.Minute), highValueAgo(2 * time.Minute),
				highValueAgo(3 * time.Minute), highValueAgo(4 * time.Minute),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findings(testRules().Evaluate(assessment(20, tt.amount, tt.recent...)), RuleVelocity)
			if !tt.fires {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Severity)
		})
	}
}

func TestRules_VelocityDisabled(t *testing.T) {
	r := testRules()
	r.VelocityCount = 0
	a := assessment(20, 100_000, highValueAgo(time.Minute), highValueAgo(2*time.Minute), highValueAgo(3*time.Minute))
	assert.Empty(t, findings(r.Evaluate(a), RuleVelocity))
}

func TestRules_OriginAnomaly(t *testing.T) {
	t.Run("known origin", func(t *testing.T) {
		assert.Empty(t, findings(testRules().Evaluate(assessment(20, 100)), RuleOriginAnomaly))
	})

	t.Run("new origin", func(t *testing.T) {
		a := assessment(20, 100)
		a.Event.IP = "203.0.113.9"
		got := findings(testRules().Evaluate(a), RuleOriginAnomaly)
		require.Len(t, got, 1)
		assert.Equal(t, risk.SeverityMedium, got[0].Severity)
		assert.Contains(t, got[0].Detail, "203.0.113.9")
	})

	t.Run("new origin high value", func(t *testing.T) {
		a := assessment(20, 100_000)
		a.Event.DeviceFingerprint = "dev_2"
		got := findings(testRules().Evaluate(a), RuleOriginAnomaly)
		require.Len(t, got, 1)
		assert.Equal(t, risk.SeverityHigh, got[0].Severity)
	})

	t.Run("no history", func(t *testing.T) {
		a := assessment(20, 100_000)
		a.Profile.KnownOrigins = nil
		a.Event.IP = "203.0.113.9"
		assert.Empty(t, findings(testRules().Evaluate(a), RuleOriginAnomaly))
	})

	t.Run("no origin", func(t *testing.T) {
		a := assessment(20, 100)
		a.Event.IP, a.Event.DeviceFingerprint = "", ""
		assert.Empty(t, findings(testRules().Evaluate(a), RuleOriginAnomaly))
	})
}

func TestRules_FallbackSkipsHistory(t *testing.T) {
	a := assessment(69, 200_000,
		highValueAgo(time.Minute), highValueAgo(2*time.Minute), highValueAgo(3*time.Minute), highValueAgo(4*time.Minute))
	a.Event.IP = "203.0.113.9"
	require.Len(t, testRules().Evaluate(a), 2)

	a.Fallback = true
	assert.Empty(t, testRules().Evaluate(a))
	assert.Empty(t, testRules().Evaluate(nil))
}

func TestRules_CombinedFindings(t *testing.T) {
	a := assessment(93, 300_000,
		highValueAgo(time.Minute), highValueAgo(2*time.Minute), highValueAgo(3*time.Minute))
	a.Event.IP = "198.51.100.4"

	got := testRules().Evaluate(a)
	require.Len(t, got, 3)
	assert.Equal(t, RuleThreshold, got[0].Type)
	assert.Equal(t, RuleVelocity, got[1].Type)
	assert.Equal(t, RuleOriginAnomaly, got[2].Type)
}

func TestMFAFinding(t *testing.T) {
	tests := []struct {
		anomalous, throttled bool
		fires                bool
		want                 risk.Severity
	}{
		{false, false, false, 0},
		{true, false, true, risk.SeverityMedium},
		{false, true, true, risk.SeverityHigh},
		{true, true, true, risk.SeverityHigh},
	}
	for _, tt := range tests {
		f, ok := mfaFinding(tt.anomalous, tt.throttled)
		assert.Equal(t, tt.fires, ok)
		if ok {
			assert.Equal(t, RuleMFAFailures, f.Type)
			assert.Equal(t, tt.want, f.Severity)
		}
	}
}

func TestStatus_CanMoveTo(t *testing.T) {
	assert.True(t, StatusPending.CanMoveTo(StatusReviewed))
	assert.True(t, StatusPending.CanMoveTo(StatusConfirmed))
	assert.True(t, StatusPending.CanMoveTo(StatusDismissed))
	assert.True(t, StatusReviewed.CanMoveTo(StatusConfirmed))
	assert.False(t, StatusReviewed.CanMoveTo(StatusPending))
	assert.False(t, StatusPending.CanMoveTo(StatusPending))
	assert.False(t, StatusConfirmed.CanMoveTo(StatusDismissed))
	assert.False(t, StatusDismissed.CanMoveTo(StatusReviewed))

	_, err := ParseStatus("escalated")
	assert.Error(t, err)
}
