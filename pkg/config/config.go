package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/billingworks/renewd/pkg/observability"
)

// Run modes. Simulation scopes a tick to the active simulation-control row's
// user with a batch size of one and a pinned clock.
const (
	ModeNormal     = "normal"
	ModeSimulation = "simulation"
)

// Config holds all job configuration
type Config struct {
	RunMode           string
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	BatchSize         int
	AdminPort         string
	LogLevel          observability.LogLevel

	Database DatabaseConfig
	Gateway  GatewayConfig

	NotifyURL string
	EmailKey  string
}

// DatabaseConfig holds connection parameters
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
}

// GatewayConfig holds payment gateway credentials
type GatewayConfig struct {
	BaseURL    string
	MerchantID string
	APIKey     string
	ProjectID  string
	Currency   string
	Timeout    time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RunMode:           getEnv("RENEWD_RUN_MODE", ModeNormal),
		TickInterval:      getEnvDuration("RENEWD_TICK_INTERVAL", 30*time.Second),
		HeartbeatInterval: getEnvDuration("RENEWD_HEARTBEAT_INTERVAL", 5*time.Minute),
		BatchSize:         getEnvInt("RENEWD_BATCH_SIZE", 5),
		AdminPort:         getEnv("RENEWD_ADMIN_PORT", "9090"),
		LogLevel:          observability.ParseLogLevel(getEnv("RENEWD_LOG_LEVEL", "info")),
		Database: DatabaseConfig{
			URL:      getEnv("RENEWD_DATABASE_URL", ""),
			MaxConns: getEnvInt("RENEWD_DATABASE_MAX_CONNS", 4),
			MinConns: getEnvInt("RENEWD_DATABASE_MIN_CONNS", 1),
			Timeout:  getEnvDuration("RENEWD_DATABASE_TIMEOUT", 10*time.Second),
		},
		Gateway: GatewayConfig{
			BaseURL:    getEnv("RENEWD_GATEWAY_URL", ""),
			MerchantID: getEnv("RENEWD_GATEWAY_MERCHANT_ID", ""),
			APIKey:     getEnv("RENEWD_GATEWAY_API_KEY", ""),
			ProjectID:  getEnv("RENEWD_GATEWAY_PROJECT_ID", ""),
			Currency:   getEnv("RENEWD_GATEWAY_CURRENCY", "USD"),
			Timeout:    getEnvDuration("RENEWD_GATEWAY_TIMEOUT", 15*time.Second),
		},
		NotifyURL: getEnv("RENEWD_NOTIFY_URL", ""),
		EmailKey:  getEnv("RENEWD_EMAIL_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RunMode != ModeNormal && c.RunMode != ModeSimulation {
		return fmt.Errorf("invalid run mode: %s (must be %s or %s)", c.RunMode, ModeNormal, ModeSimulation)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if c.Gateway.MerchantID == "" || c.Gateway.APIKey == "" {
		return fmt.Errorf("gateway merchant id and API key are required")
	}
	if c.Gateway.ProjectID == "" {
		return fmt.Errorf("gateway project id is required")
	}
	if c.NotifyURL == "" {
		return fmt.Errorf("notification URL is required")
	}
	switch len(c.EmailKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("email key must be 16, 24 or 32 bytes, got %d", len(c.EmailKey))
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
