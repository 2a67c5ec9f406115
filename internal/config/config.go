// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/smartescrow/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Automation
	AutomationEnabled   bool // initial value of the global switch for a fresh store
	SweepInterval       time.Duration
	SweepTimeout        time.Duration
	SweepConcurrency    int
	AutomationRulesFile string // TOML seed file (optional)

	// Concurrency
	LeaseTimeout    time.Duration
	ConflictRetries int

	// Settlement
	SettlementProvider string // "simulated" or "stripe"
	StripeSecretKey    string
	DefaultCurrency    string

	// Notifications
	WebhookURLs   []string
	WebhookSecret string

	// Security
	AdminSecret    string // Admin API secret
	RateLimitRPM   int    // requests per actor per minute; 0 disables
	RateLimitBurst int
	CORSOrigins    []string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultSweepInterval    = time.Minute
	DefaultSweepTimeout     = 45 * time.Second
	DefaultSweepConcurrency = 8
	DefaultLeaseTimeout     = 5 * time.Second
	DefaultConflictRetries  = 3
	DefaultCurrency         = "USD"
	DefaultRateLimitRPM     = 600
	DefaultRateLimitBurst   = 60

	ProviderSimulated = "simulated"
	ProviderStripe    = "stripe"
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
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		AutomationEnabled:   getEnvBool("AUTOMATION_ENABLED", true),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepTimeout:        getEnvDuration("SWEEP_TIMEOUT", DefaultSweepTimeout),
		SweepConcurrency:    int(getEnvInt64("SWEEP_CONCURRENCY", DefaultSweepConcurrency)),
		AutomationRulesFile: os.Getenv("AUTOMATION_RULES_FILE"),
		LeaseTimeout:        getEnvDuration("LEASE_TIMEOUT", DefaultLeaseTimeout),
		ConflictRetries:     int(getEnvInt64("CONFLICT_RETRIES", DefaultConflictRetries)),
		SettlementProvider:  strings.ToLower(getEnv("SETTLEMENT_PROVIDER", ProviderSimulated)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		DefaultCurrency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		WebhookURLs:         getEnvList("WEBHOOK_URLS"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.SettlementProvider {
	case ProviderSimulated:
	case ProviderStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when SETTLEMENT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("SETTLEMENT_PROVIDER must be %q or %q, got %q", ProviderSimulated, ProviderStripe, c.SettlementProvider)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepTimeout <= 0 || c.SweepTimeout >= c.SweepInterval {
		return fmt.Errorf("SWEEP_TIMEOUT must be positive and shorter than SWEEP_INTERVAL")
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1")
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("LEASE_TIMEOUT must be positive")
	}
	if c.ConflictRetries < 1 {
		return fmt.Errorf("CONFLICT_RETRIES must be at least 1")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	if c.IsProduction() {
		for _, u := range c.WebhookURLs {
			if err := security.ValidateEndpointURL(u); err != nil {
				return fmt.Errorf("WEBHOOK_URLS: %s: %w", u, err)
			}
		}
	}
	if c.RateLimitRPM < 0 || (c.RateLimitRPM > 0 && c.RateLimitBurst < 1) {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive with RATE_LIMIT_BURST at least 1, or 0 to disable")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
