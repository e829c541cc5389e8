// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	StripeSecretKey     string // Stripe API key; empty = mock gateway
	GatewayTimeout      time.Duration
	GatewayBreakerTrips int           // consecutive failures before the breaker opens
	GatewayBreakerReset time.Duration // how long an open breaker waits before probing

	// Escrow policy
	GracePeriodDays int           // minimum dwell time before auto-release eligibility
	MaxEscrowDays   int           // overdue threshold (reported, not auto-acted)
	ReleaseInterval time.Duration // scheduler sweep interval

	// Collaboration
	EditSessionTTL time.Duration // edit-session liveness window

	// Negotiation
	OfferExpiryDays int // sent/viewed offers older than this expire

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string // Admin API secret (privileged force operations)
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultGatewayTimeout  = 15 * time.Second
	DefaultBreakerTrips    = 5
	DefaultBreakerReset    = 30 * time.Second
	DefaultGracePeriodDays = 7
	DefaultMaxEscrowDays   = 30
	DefaultReleaseInterval = time.Minute
	DefaultEditSessionTTL  = 30 * time.Second
	DefaultOfferExpiry     = 30
	DefaultRateLimit       = 100
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
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayBreakerTrips: int(getEnvInt64("GATEWAY_BREAKER_TRIPS", DefaultBreakerTrips)),
		GatewayBreakerReset: getEnvDuration("GATEWAY_BREAKER_RESET", DefaultBreakerReset),
		GracePeriodDays:     int(getEnvInt64("GRACE_PERIOD_DAYS", DefaultGracePeriodDays)),
		MaxEscrowDays:       int(getEnvInt64("MAX_ESCROW_DAYS", DefaultMaxEscrowDays)),
		ReleaseInterval:     getEnvDuration("RELEASE_INTERVAL", DefaultReleaseInterval),
		EditSessionTTL:      getEnvDuration("EDIT_SESSION_TTL", DefaultEditSessionTTL),
		OfferExpiryDays:     int(getEnvInt64("OFFER_EXPIRY_DAYS", DefaultOfferExpiry)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.GracePeriodDays < 0 {
		return fmt.Errorf("GRACE_PERIOD_DAYS must be >= 0")
	}
	if c.MaxEscrowDays < c.GracePeriodDays {
		return fmt.Errorf("MAX_ESCROW_DAYS must be >= GRACE_PERIOD_DAYS")
	}
	if c.EditSessionTTL <= 0 {
		return fmt.Errorf("EDIT_SESSION_TTL must be positive")
	}
	if c.ReleaseInterval <= 0 {
		return fmt.Errorf("RELEASE_INTERVAL must be positive")
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
