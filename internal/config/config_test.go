package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ENV", "")
	t.Setenv("MCH_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultOrderTTL, cfg.OrderTTLMinutes)
	assert.True(t, cfg.IsDevelopment())
}

func TestValidateRequiresJWTSecret(t *testing.T) {
	cfg := &Config{Env: "development", OrderTTLMinutes: 30}
	assert.Error(t, cfg.Validate())
}

func TestValidateProductionRequiresGatewayCreds(t *testing.T) {
	cfg := &Config{
		Env:             "production",
		JWTSecret:       "s",
		OrderTTLMinutes: 30,
	}
	assert.Error(t, cfg.Validate())

	cfg.MchID = "1900000001"
	assert.Error(t, cfg.Validate())

	cfg.MchKey = "key"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveTTL(t *testing.T) {
	cfg := &Config{Env: "development", JWTSecret: "s", OrderTTLMinutes: 0}
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("ORDER_TTL_MINUTES", "15")
	t.Setenv("RATE_LIMIT_RPM", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.OrderTTLMinutes)
	assert.Equal(t, 30, cfg.RateLimitRPM)
}
