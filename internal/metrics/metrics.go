// Package metrics provides Prometheus instrumentation for the trust core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustcore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts committed escrow transitions.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "escrow_transitions_total",
			Help:      "Committed escrow state transitions by from and to state.",
		},
		[]string{"from", "to"},
	)

	// EscrowConflictsTotal counts optimistic-concurrency losses.
	EscrowConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "escrow_conflicts_total",
		Help:      "Escrow commits rejected because the stored state changed.",
	})

	// EscrowAutoReleaseHeldTotal counts auto-releases suppressed for review.
	EscrowAutoReleaseHeldTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "escrow_auto_release_held_total",
		Help:      "Auto-releases held for manual review because the freelancer scored high risk.",
	})

	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trustcore",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to a terminal state in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 30 * 86400},
	})

	// EscrowSweepLastSuccess is the unix time of the last sweep that finished without error.
	EscrowSweepLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustcore",
		Name:      "escrow_sweep_last_success_timestamp_seconds",
		Help:      "Unix time of the last auto-release sweep that completed without error.",
	})

	EscrowSweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "escrow_sweep_errors_total",
		Help:      "Auto-release sweeps that failed or panicked.",
	})

	// DisputesTotal counts dispute lifecycle events by resulting status.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "disputes_total",
			Help:      "Dispute lifecycle events by resulting status.",
		},
		[]string{"status"},
	)

	// RiskScores observes computed risk scores by event kind.
	RiskScores = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustcore",
			Name:      "risk_score",
			Help:      "Distribution of risk scores by event kind.",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"kind"},
	)

	// RiskFallbacksTotal counts scores computed against the neutral profile.
	RiskFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "risk_fallbacks_total",
		Help:      "Risk scores computed against the neutral profile because the stored profile was unavailable.",
	})

	RiskAssessmentsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustcore",
		Name:      "risk_assessments_dropped_total",
		Help:      "Assessments not recorded because the recorder queue was full or closed.",
	})

	// FraudAlertsTotal counts raised alerts; deduped repeats count as "updated".
	FraudAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "fraud_alerts_total",
			Help:      "Fraud alerts by rule type, severity and outcome (created or updated).",
		},
		[]string{"type", "severity", "outcome"},
	)

	// MFAVerificationsTotal counts verification attempts by method and result.
	MFAVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "mfa_verifications_total",
			Help:      "MFA verification attempts by method and result.",
		},
		[]string{"method", "result"},
	)

	// AuditDegradedTotal counts operations whose audit side effect failed.
	AuditDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustcore",
			Name:      "audit_degraded_total",
			Help:      "Operations that succeeded but could not record their audit trail.",
		},
		[]string{"component"},
	)

	// ActiveWebSocketClients tracks connected operator feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trustcore",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected operator feed clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustcore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustcore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustcore", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustcore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowConflictsTotal,
		EscrowAutoReleaseHeldTotal,
		EscrowDuration,
		EscrowSweepLastSuccess,
		EscrowSweepErrorsTotal,
		DisputesTotal,
		RiskScores,
		RiskFallbacksTotal,
		RiskAssessmentsDroppedTotal,
		FraudAlertsTotal,
		MFAVerificationsTotal,
		AuditDegradedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not the raw path
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
