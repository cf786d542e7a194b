package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the memory service.
// Environment variables are automatically parsed from the ENGRAM_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Relational store: postgres or sqlite
	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"engram.db"`

	// Shared cache tier. Empty address disables L2 (L1-only mode).
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Token budget for working-set assembly
	TokenBudgetTotal   int `envconfig:"TOKEN_BUDGET_TOTAL" default:"2000"`
	TokenBudgetReserve int `envconfig:"TOKEN_BUDGET_MODEL_RESERVE" default:"512"`

	// External knowledge retrieval endpoint. Empty disables the HTTP
	// retriever; the wrapper then always answers degraded.
	RAGEndpoint string `envconfig:"RAG_ENDPOINT" default:""`

	// Sensitivity keys (32 bytes used per key; development defaults)
	KeyPII          string `envconfig:"KEY_PII" default:"default-pii-key-32-chars-long!!"`
	KeySecret       string `envconfig:"KEY_SECRET" default:"default-secret-key-32-chars-!!"`
	KeyConfidential string `envconfig:"KEY_CONFIDENTIAL" default:"default-confid-key-32-chars-!!"`

	// Maintenance job schedules (cron expressions)
	ExpireSweepSchedule string `envconfig:"EXPIRE_SWEEP_SCHEDULE" default:"@every 15m"`
	OptimizerSchedule   string `envconfig:"OPTIMIZER_SCHEDULE" default:"@every 1h"`
	BackupSchedule      string `envconfig:"BACKUP_SCHEDULE" default:"0 3 * * *"`
}

// ResolveDefaults validates the driver selection.
func (c *Config) ResolveDefaults() error {
	allowedDB := map[string]bool{"postgres": true, "sqlite": true}
	if !allowedDB[c.DBDriver] {
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("DB_DRIVER=postgres requires POSTGRES_DSN")
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Example: ENGRAM_HTTP_PORT, ENGRAM_REDIS_ADDR.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("ENGRAM", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Int("port", cfg.HTTPPort).
		Bool("redis_configured", cfg.RedisAddr != "").
		Int("token_budget_total", cfg.TokenBudgetTotal).
		Int("token_budget_reserve", cfg.TokenBudgetReserve).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing.
func NewForTesting() *Config {
	return &Config{
		Environment:        EnvTesting,
		HTTPPort:           8080,
		DBDriver:           "sqlite",
		SQLitePath:         ":memory:",
		TokenBudgetTotal:   2000,
		TokenBudgetReserve: 512,
		KeyPII:             "default-pii-key-32-chars-long!!",
		KeySecret:          "default-secret-key-32-chars-!!",
		KeyConfidential:    "default-confid-key-32-chars-!!",
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
