// Package server wires the trust-core services into the HTTP API
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/gigmarket/trustcore/internal/audit"
	"github.com/gigmarket/trustcore/internal/auth"
	"github.com/gigmarket/trustcore/internal/circuitbreaker"
	"github.com/gigmarket/trustcore/internal/config"
	"github.com/gigmarket/trustcore/internal/dispute"
	"github.com/gigmarket/trustcore/internal/escrow"
	"github.com/gigmarket/trustcore/internal/evidence"
	"github.com/gigmarket/trustcore/internal/fraud"
	"github.com/gigmarket/trustcore/internal/health"
	"github.com/gigmarket/trustcore/internal/ledger"
	"github.com/gigmarket/trustcore/internal/logging"
	"github.com/gigmarket/trustcore/internal/metrics"
	"github.com/gigmarket/trustcore/internal/mfa"
	"github.com/gigmarket/trustcore/internal/payments"
	"github.com/gigmarket/trustcore/internal/ratelimit"
	"github.com/gigmarket/trustcore/internal/realtime"
	"github.com/gigmarket/trustcore/internal/retry"
	"github.com/gigmarket/trustcore/internal/risk"
	"github.com/gigmarket/trustcore/internal/security"
	"github.com/gigmarket/trustcore/internal/traces"
	"github.com/gigmarket/trustcore/internal/validation"
	"github.com/gigmarket/trustcore/migrations"
)

const (
	// Version is reported by /health.
	Version = "0.1.0"

	tokenIssuer  = "trustcore"
	auditChannel = audit.DefaultChannel

	// Repeated 403s from one principal are logged as a security event.
	denialLimit  = 10
	denialWindow = 10 * time.Minute

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second

	dbStatsInterval = 15 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil without REDIS_URL
	rail          payments.Rail
	objects       evidence.ObjectStore
	jobs          escrow.JobDirectory
	ledger        *ledger.Ledger
	riskScorer    *risk.Scorer
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	disputes      *dispute.Service
	mfaService    *mfa.Service
	fraudPipeline *fraud.Pipeline
	realtimeHub   *realtime.Hub
	verifier      *auth.Verifier
	denials       ratelimit.FailureWindow
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	traceShutdown func(context.Context) error
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRail replaces the payment rail chosen from configuration.
func WithRail(r payments.Rail) Option {
	return func(s *Server) {
		s.rail = r
	}
}

// WithObjectStore replaces the evidence object store.
func WithObjectStore(o evidence.ObjectStore) Option {
	return func(s *Server) {
		s.objects = o
	}
}

// WithJobDirectory replaces the marketplace job directory.
func WithJobDirectory(d escrow.JobDirectory) Option {
	return func(s *Server) {
		s.jobs = d
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.openRedis(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	shutdown, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.buildServices(); err != nil {
		s.closeStorage()
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStorage connects to Postgres when DATABASE_URL is set.
func (s *Server) openStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage")
		return nil
	}
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// openRedis connects to Redis when REDIS_URL is set. Throttles and the
// audit channel then span every replica.
func (s *Server) openRedis(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.logger.Info("using Redis for throttles and audit", "addr", opts.Addr)
	return nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// buildServices constructs the engines over the selected backends.
func (s *Server) buildServices() error {
	cfg := s.cfg
	logger := s.logger

	var (
		ledgerStore   ledger.Store
		escrowStore   escrow.Store
		disputeStore  dispute.Store
		profiles      risk.ProfileStore
		assessments   risk.AssessmentStore
		mfaStore      mfa.Store
		mfaAttempts   mfa.AttemptStore
		fraudStore    fraud.Store
		mfaWindow     ratelimit.FailureWindow
		defaultObject evidence.ObjectStore
		defaultJobs   escrow.JobDirectory
	)
	var sink audit.Sink = audit.NewSlogSink(logger)

	if s.db != nil {
		ledgerStore = ledger.NewPostgresStore(s.db)
		escrowStore = escrow.NewPostgresStore(s.db)
		disputeStore = dispute.NewPostgresStore(s.db)
		riskStore := risk.NewPostgresStore(s.db)
		profiles, assessments = riskStore, riskStore
		mfaPG := mfa.NewPostgresStore(s.db)
		mfaStore, mfaAttempts = mfaPG, mfaPG
		fraudStore = fraud.NewPostgresStore(s.db)
		defaultObject = evidence.NewPostgresStore(s.db)
		defaultJobs = escrow.NewPostgresJobDirectory(s.db)
	} else {
		mem := ledger.NewMemoryStore()
		ledgerStore = mem
		escrowStore = escrow.NewMemoryStore(mem)
		disputeStore = dispute.NewMemoryStore()
		riskStore := risk.NewMemoryStore()
		profiles, assessments = riskStore, riskStore
		mfaMem := mfa.NewMemoryStore()
		mfaStore, mfaAttempts = mfaMem, mfaMem
		fraudStore = fraud.NewMemoryStore()
		defaultObject = evidence.NewMemoryStore()
		defaultJobs = escrow.NewMemoryJobDirectory()
	}

	if s.redis != nil {
		mfaWindow = ratelimit.NewRedisFailureWindow(s.redis, "mfa:fail:", cfg.MFAMaxFailures, cfg.MFAFailureWindow)
		s.denials = ratelimit.NewRedisFailureWindow(s.redis, "authz:deny:", denialLimit, denialWindow)
		sink = audit.Fanout{sink, audit.NewRedisSink(s.redis, auditChannel)}
	} else {
		mfaWindow = ratelimit.NewMemoryFailureWindow(cfg.MFAMaxFailures, cfg.MFAFailureWindow)
		s.denials = ratelimit.NewMemoryFailureWindow(denialLimit, denialWindow)
	}

	if s.objects == nil {
		s.objects = defaultObject
	}
	if s.jobs == nil {
		s.jobs = defaultJobs
	}
	if s.rail == nil {
		if cfg.StripeSecretKey != "" {
			s.rail = payments.NewStripeRail(cfg.StripeSecretKey)
			logger.Info("using Stripe payment rail")
		} else {
			s.rail = payments.NewMemoryRail()
			logger.Warn("STRIPE_SECRET_KEY not set, using in-memory payment rail")
		}
	}
	rail := payments.NewGuarded(s.rail,
		circuitbreaker.New(breakerThreshold, breakerCooldown),
		retry.DefaultPolicy, cfg.OpTimeout, logger)

	s.realtimeHub = realtime.NewHub(logger)
	s.ledger = ledger.New(ledgerStore, logger)

	s.riskScorer = risk.NewScorer(profiles, logger).
		WithTrustUpdate(cfg.RiskDecay.InexactFloat64(), float64(cfg.RiskBaseline)).
		WithTimeout(cfg.OpTimeout).
		WithAuditStore(assessments)

	s.fraudPipeline = fraud.NewPipeline(fraudStore, fraud.Rules{
		VelocityCount:  cfg.FraudVelocityCount,
		VelocityWindow: cfg.FraudVelocityWindow,
		HighValue:      cfg.FraudHighValue,
	}, logger).
		WithCooldown(cfg.FraudCooldown).
		WithFeed(s.realtimeHub).
		WithAuditSink(sink).
		WithTimeout(cfg.OpTimeout)

	s.escrowService = escrow.NewService(escrowStore, rail, logger).
		WithRiskGate(s.riskScorer).
		WithFraudMonitor(s.fraudPipeline).
		WithAuditSink(sink).
		WithFeeBPS(cfg.EscrowFeeBPS).
		WithAutoRelease(cfg.AutoReleaseGrace).
		WithCurrency(cfg.PlatformCurrency).
		WithTimeout(cfg.OpTimeout)
	if cfg.RequireAcceptedJob {
		s.escrowService.WithJobDirectory(s.jobs)
	}
	if cfg.AutoReleaseEnabled() {
		s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.SweepInterval, logger)
	} else {
		logger.Info("escrow auto-release disabled (ESCROW_AUTO_RELEASE_GRACE not set)")
	}

	vault := evidence.NewVault(s.objects, evidence.DefaultPolicy()).WithTimeout(cfg.OpTimeout)
	s.disputes = dispute.NewService(disputeStore, s.escrowService, vault, logger).
		WithTrustSource(s.riskScorer).
		WithAuditSink(sink).
		WithFeed(s.realtimeHub).
		WithTimeout(cfg.OpTimeout)

	sealer, err := mfa.NewSealer(cfg.MFAEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to create MFA sealer: %w", err)
	}
	s.mfaService = mfa.NewService(mfaStore, mfaAttempts, sealer, mfaWindow, logger).
		WithIssuer(cfg.MFAIssuer).
		WithRiskSource(s.riskScorer).
		WithFraudReporter(s.fraudPipeline).
		WithAuditSink(sink).
		WithTimeout(cfg.OpTimeout)

	s.verifier = auth.NewVerifier(cfg.JWTSecret, tokenIssuer)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Redis(s.redis))
	}
	if s.escrowTimer != nil {
		s.health.Register("escrow_sweep", health.Loop(s.escrowTimer.Running))
	}
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.verifier))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/v1", auth.RequireAuth(), auth.DenialAudit(s.denials))
	std := api.Group("", validation.RequestSizeMiddleware(s.cfg.MaxBodyBytes))
	uploads := api.Group("", validation.RequestSizeMiddleware(s.cfg.MaxEvidenceBytes))
	ops := std.Group("/ops", auth.RequireOperator())

	escrow.NewHandler(s.escrowService).RegisterRoutes(std)

	disputes := dispute.NewHandler(s.disputes)
	disputes.RegisterRoutes(uploads)
	disputes.RegisterOpsRoutes(ops)

	mfa.NewHandler(s.mfaService).RegisterRoutes(std)

	wallets := ledger.NewHandler(s.ledger, s.logger).
		WithWithdrawalGate(mfa.Gate(s.mfaService)).
		WithRiskGate(s.riskScorer).
		WithFraudMonitor(s.fraudPipeline)
	wallets.RegisterRoutes(std)
	wallets.RegisterOperatorRoutes(ops)

	fraud.NewHandler(s.fraudPipeline).RegisterOpsRoutes(ops)

	ops.GET("/feed", s.realtimeHub.ServeFeed)
	ops.GET("/feed/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"feed": s.realtimeHub.Stats()})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)
	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"autoRelease", s.cfg.AutoReleaseEnabled(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the feed hub, the auto-release sweep, the pool
// stats collector and the cross-replica audit relay.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)

	if s.escrowTimer != nil {
		go s.escrowTimer.Start(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
	}
	if s.redis != nil {
		err := audit.Subscribe(ctx, s.redis, auditChannel, s.logger, func(ev audit.Event) {
			s.realtimeHub.Publish("audit", ev)
		})
		if err != nil {
			s.logger.Warn("audit relay unavailable, feed carries local events only", "error", err)
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timer, relay)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.riskScorer != nil {
		s.riskScorer.Close(ctx)
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Verifier returns the token verifier, for issuing tokens in tests and
// local tooling.
func (s *Server) Verifier() *auth.Verifier {
	return s.verifier
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
