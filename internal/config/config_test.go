package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "SETTLEMENT_PROVIDER", "SWEEP_INTERVAL",
		"SWEEP_TIMEOUT", "SWEEP_CONCURRENCY", "WEBHOOK_URLS", "AUTOMATION_ENABLED",
		"DEFAULT_CURRENCY", "LEASE_TIMEOUT", "CONFLICT_RETRIES",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, ProviderSimulated, cfg.SettlementProvider)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultSweepTimeout, cfg.SweepTimeout)
	assert.Equal(t, DefaultSweepConcurrency, cfg.SweepConcurrency)
	assert.True(t, cfg.AutomationEnabled)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.Empty(t, cfg.WebhookURLs)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SWEEP_INTERVAL", "10m")
	t.Setenv("SWEEP_TIMEOUT", "2m")
	t.Setenv("AUTOMATION_ENABLED", "false")
	t.Setenv("WEBHOOK_URLS", "https://a.example/hook, ,https://b.example/hook")
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("DEFAULT_CURRENCY", "eur")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.SweepTimeout)
	assert.False(t, cfg.AutomationEnabled)
	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook"}, cfg.WebhookURLs)
	assert.Equal(t, "EUR", cfg.DefaultCurrency)
}

func TestLoad_StripeNeedsKey(t *testing.T) {
	t.Setenv("SETTLEMENT_PROVIDER", "stripe")
	t.Setenv("STRIPE_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
}

func valid() Config {
	return Config{
		Env:                DefaultEnv,
		SettlementProvider: ProviderSimulated,
		SweepInterval:      time.Minute,
		SweepTimeout:       30 * time.Second,
		SweepConcurrency:   4,
		LeaseTimeout:       time.Second,
		ConflictRetries:    3,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown provider", func(c *Config) { c.SettlementProvider = "paypal" }, "SETTLEMENT_PROVIDER"},
		{"stripe with key", func(c *Config) { c.SettlementProvider = ProviderStripe; c.StripeSecretKey = "sk_test" }, ""},
		{"production without admin secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET"},
		{"production with admin secret", func(c *Config) { c.Env = "production"; c.AdminSecret = "s" }, ""},
		{"timeout not shorter than interval", func(c *Config) { c.SweepTimeout = time.Minute }, "SWEEP_TIMEOUT"},
		{"zero concurrency", func(c *Config) { c.SweepConcurrency = 0 }, "SWEEP_CONCURRENCY"},
		{"zero retries", func(c *Config) { c.ConflictRetries = 0 }, "CONFLICT_RETRIES"},
		{"webhooks without secret", func(c *Config) { c.WebhookURLs = []string{"https://x"} }, "WEBHOOK_SECRET"},
		{"production webhook to loopback", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s"
			c.WebhookURLs = []string{"https://127.0.0.1/hook"}
			c.WebhookSecret = "w"
		}, "WEBHOOK_URLS"},
		{"negative rate limit", func(c *Config) { c.RateLimitRPM = -1 }, "RATE_LIMIT_RPM"},
		{"rate limit without burst", func(c *Config) { c.RateLimitRPM = 60; c.RateLimitBurst = 0 }, "RATE_LIMIT_BURST"},
		{"rate limit disabled", func(c *Config) { c.RateLimitRPM = 0; c.RateLimitBurst = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())

	t.Setenv("X_BOOL", "notabool")
	assert.True(t, getEnvBool("X_BOOL", true))
	t.Setenv("X_DUR", "nope")
	assert.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
}
