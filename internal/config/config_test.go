package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 15*time.Minute, cfg.IdempotencySweepInterval)
	assert.Equal(t, time.Hour, cfg.SupplierSnapshotTTL)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("IDEMPOTENCY_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Hour, cfg.IdempotencyTTL)
	assert.True(t, cfg.IsProduction())
}

func TestLoadRejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL", "0s")

	_, err := Load()
	assert.Error(t, err)
}
