package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds process configuration read from the environment
type Config struct {
	Port         string `envconfig:"PORT" default:"8080"`
	Env          string `envconfig:"ENV" default:"development"`
	Debug        bool   `envconfig:"DEBUG" default:"false"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"marketplace.db"`
	JWTSecret    string `envconfig:"JWT_SECRET" default:"nabd-secret-key"`

	IdempotencyTTL           time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	IdempotencySweepInterval time.Duration `envconfig:"IDEMPOTENCY_SWEEP_INTERVAL" default:"15m"`
	SupplierSnapshotTTL      time.Duration `envconfig:"SUPPLIER_SNAPSHOT_TTL" default:"1h"`
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.IdempotencyTTL <= 0 {
		return nil, fmt.Errorf("IDEMPOTENCY_TTL must be positive, got %s", cfg.IdempotencyTTL)
	}
	if cfg.IdempotencySweepInterval <= 0 {
		return nil, fmt.Errorf("IDEMPOTENCY_SWEEP_INTERVAL must be positive, got %s", cfg.IdempotencySweepInterval)
	}
	return &cfg, nil
}

// IsProduction reports whether the process runs with ENV=production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
