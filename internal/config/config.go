// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/gigmarket/trustcore/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL (optional, throttles and audit fall back to memory/slog)
	AutoMigrate bool   // apply pending migrations on startup

	// Security
	JWTSecret        string
	MFAEncryptionKey []byte // 32 bytes, from 64 hex characters
	MFAIssuer        string
	MFAMaxFailures   int
	MFAFailureWindow time.Duration
	RateLimitRPM     int
	CORSOrigins      []string // empty disables cross-origin access
	MaxBodyBytes     int64
	MaxEvidenceBytes int64

	// Escrow
	EscrowFeeBPS       int64
	AutoReleaseGrace   time.Duration // 0 disables automatic release
	SweepInterval      time.Duration
	OpTimeout          time.Duration
	PlatformCurrency   string
	StripeSecretKey    string // empty selects the in-memory rail
	RequireAcceptedJob bool

	// Risk
	RiskDecay    decimal.Decimal
	RiskBaseline int

	// Fraud
	FraudCooldown       time.Duration
	FraudVelocityCount  int
	FraudVelocityWindow time.Duration
	FraudHighValue      money.Amount

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // outside (0,1] samples everything
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultMFAIssuer        = "GigMarket"
	DefaultMFAMaxFailures   = 5
	DefaultMFAFailureWindow = 15 * time.Minute
	DefaultRateLimit        = 120
	DefaultSweepInterval    = time.Minute
	DefaultOpTimeout        = 10 * time.Second
	DefaultCurrency         = "usd"
	DefaultRiskDecay        = "0.1"
	DefaultRiskBaseline     = 30
	DefaultFraudCooldown    = 30 * time.Minute
	DefaultVelocityCount    = 5
	DefaultVelocityWindow   = time.Hour
	DefaultHighValue        = "1000.00"
	DefaultMaxBodyBytes     = 1 << 20
	DefaultMaxEvidenceBytes = 25 << 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AutoMigrate:         getEnv("AUTO_MIGRATE", "true") == "true",
		JWTSecret:           os.Getenv("JWT_SECRET"),
		MFAIssuer:           getEnv("MFA_ISSUER", DefaultMFAIssuer),
		MFAMaxFailures:      int(getEnvInt64("MFA_MAX_FAILURES", DefaultMFAMaxFailures)),
		MFAFailureWindow:    getEnvDuration("MFA_FAILURE_WINDOW", DefaultMFAFailureWindow),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
		MaxBodyBytes:        getEnvInt64("MAX_BODY_BYTES", DefaultMaxBodyBytes),
		MaxEvidenceBytes:    getEnvInt64("MAX_EVIDENCE_BYTES", DefaultMaxEvidenceBytes),
		EscrowFeeBPS:        getEnvInt64("ESCROW_FEE_BPS", 0),
		AutoReleaseGrace:    getEnvDuration("ESCROW_AUTO_RELEASE_GRACE", 0),
		SweepInterval:       getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultSweepInterval),
		OpTimeout:           getEnvDuration("OP_TIMEOUT", DefaultOpTimeout),
		PlatformCurrency:    getEnv("PLATFORM_CURRENCY", DefaultCurrency),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		RequireAcceptedJob:  getEnv("ESCROW_REQUIRE_ACCEPTED_JOB", "true") == "true",
		RiskBaseline:        int(getEnvInt64("RISK_BASELINE", DefaultRiskBaseline)),
		FraudCooldown:       getEnvDuration("FRAUD_COOLDOWN", DefaultFraudCooldown),
		FraudVelocityCount:  int(getEnvInt64("FRAUD_VELOCITY_COUNT", DefaultVelocityCount)),
		FraudVelocityWindow: getEnvDuration("FRAUD_VELOCITY_WINDOW", DefaultVelocityWindow),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	decay, err := decimal.NewFromString(getEnv("RISK_DECAY", DefaultRiskDecay))
	if err != nil {
		return nil, fmt.Errorf("RISK_DECAY must be a decimal: %w", err)
	}
	cfg.RiskDecay = decay

	highValue, err := money.Parse(getEnv("FRAUD_HIGH_VALUE", DefaultHighValue))
	if err != nil {
		return nil, fmt.Errorf("FRAUD_HIGH_VALUE: %w", err)
	}
	cfg.FraudHighValue = highValue

	if raw := os.Getenv("MFA_ENCRYPTION_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be hex: %w", err)
		}
		cfg.MFAEncryptionKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.MFAEncryptionKey) != 32 {
		return fmt.Errorf("MFA_ENCRYPTION_KEY must be 64 hex characters")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.EscrowFeeBPS < 0 || c.EscrowFeeBPS > money.BasisPoints {
		return fmt.Errorf("ESCROW_FEE_BPS must be between 0 and %d", money.BasisPoints)
	}
	if c.AutoReleaseGrace < 0 {
		return fmt.Errorf("ESCROW_AUTO_RELEASE_GRACE must not be negative")
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("OP_TIMEOUT must be positive")
	}
	if c.MFAMaxFailures <= 0 || c.MFAFailureWindow <= 0 {
		return fmt.Errorf("MFA_MAX_FAILURES and MFA_FAILURE_WINDOW must be positive")
	}
	if c.RiskDecay.IsNegative() || c.RiskDecay.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("RISK_DECAY must be between 0 and 1")
	}
	if c.RiskBaseline < 0 || c.RiskBaseline > 100 {
		return fmt.Errorf("RISK_BASELINE must be between 0 and 100")
	}
	if c.MaxBodyBytes <= 0 || c.MaxEvidenceBytes < c.MaxBodyBytes {
		return fmt.Errorf("MAX_EVIDENCE_BYTES must be at least MAX_BODY_BYTES, both positive")
	}
	if c.FraudVelocityCount <= 0 || c.FraudVelocityWindow <= 0 {
		return fmt.Errorf("FRAUD_VELOCITY_COUNT and FRAUD_VELOCITY_WINDOW must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AutoReleaseEnabled reports whether the sweep may release escrows on its own.
func (c *Config) AutoReleaseEnabled() bool {
	return c.AutoReleaseGrace > 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
