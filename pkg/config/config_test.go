package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billingworks/renewd/pkg/observability"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RENEWD_DATABASE_URL", "postgres://localhost/renewd")
	t.Setenv("RENEWD_GATEWAY_URL", "https://gateway.example.com")
	t.Setenv("RENEWD_GATEWAY_MERCHANT_ID", "merchant-1")
	t.Setenv("RENEWD_GATEWAY_API_KEY", "key-1")
	t.Setenv("RENEWD_GATEWAY_PROJECT_ID", "proj-9")
	t.Setenv("RENEWD_NOTIFY_URL", "https://notify.example.com")
	t.Setenv("RENEWD_EMAIL_KEY", "0123456789abcdef")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ModeNormal, cfg.RunMode)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.HeartbeatInterval)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, "9090", cfg.AdminPort)
	assert.Equal(t, observability.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 4, cfg.Database.MaxConns)
	assert.Equal(t, "USD", cfg.Gateway.Currency)
	assert.Equal(t, 15*time.Second, cfg.Gateway.Timeout)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RENEWD_RUN_MODE", "simulation")
	t.Setenv("RENEWD_TICK_INTERVAL", "10s")
	t.Setenv("RENEWD_BATCH_SIZE", "20")
	t.Setenv("RENEWD_LOG_LEVEL", "debug")
	t.Setenv("RENEWD_GATEWAY_CURRENCY", "EUR")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ModeSimulation, cfg.RunMode)
	assert.Equal(t, 10*time.Second, cfg.TickInterval)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, observability.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "EUR", cfg.Gateway.Currency)
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RENEWD_BATCH_SIZE", "not-a-number")
	t.Setenv("RENEWD_TICK_INTERVAL", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RunMode:           ModeNormal,
			TickInterval:      30 * time.Second,
			HeartbeatInterval: 5 * time.Minute,
			BatchSize:         5,
			Database:          DatabaseConfig{URL: "postgres://localhost/renewd"},
			Gateway: GatewayConfig{
				BaseURL:    "https://gateway.example.com",
				MerchantID: "merchant-1",
				APIKey:     "key-1",
				ProjectID:  "proj-9",
			},
			NotifyURL: "https://notify.example.com",
			EmailKey:  "0123456789abcdef",
		}
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown run mode",
			mutate:  func(c *Config) { c.RunMode = "dry-run" },
			wantErr: "invalid run mode",
		},
		{
			name:    "non-positive tick interval",
			mutate:  func(c *Config) { c.TickInterval = 0 },
			wantErr: "tick interval",
		},
		{
			name:    "non-positive batch size",
			mutate:  func(c *Config) { c.BatchSize = -1 },
			wantErr: "batch size",
		},
		{
			name:    "missing database URL",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: "database URL",
		},
		{
			name:    "missing gateway credentials",
			mutate:  func(c *Config) { c.Gateway.APIKey = "" },
			wantErr: "merchant id and API key",
		},
		{
			name:    "missing notify URL",
			mutate:  func(c *Config) { c.NotifyURL = "" },
			wantErr: "notification URL",
		},
		{
			name:    "wrong email key length",
			mutate:  func(c *Config) { c.EmailKey = "tooshort" },
			wantErr: "email key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
