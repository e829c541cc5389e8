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

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultGracePeriodDays, cfg.GracePeriodDays)
	assert.Equal(t, DefaultMaxEscrowDays, cfg.MaxEscrowDays)
	assert.Equal(t, DefaultEditSessionTTL, cfg.EditSessionTTL)
	assert.Equal(t, DefaultReleaseInterval, cfg.ReleaseInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GRACE_PERIOD_DAYS", "14")
	t.Setenv("EDIT_SESSION_TTL", "45s")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 14, cfg.GracePeriodDays)
	assert.Equal(t, 45*time.Second, cfg.EditSessionTTL)
	assert.Equal(t, "9090", cfg.Port)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Env:             "development",
		GracePeriodDays: 7,
		MaxEscrowDays:   30,
		EditSessionTTL:  time.Second,
		ReleaseInterval: time.Second,
	}
	assert.NoError(t, cfg.Validate())

	bad := *cfg
	bad.MaxEscrowDays = 3 // below grace period
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.EditSessionTTL = 0
	assert.Error(t, bad.Validate())

	prod := *cfg
	prod.Env = "production"
	assert.Error(t, prod.Validate(), "production requires a gateway key")
	prod.StripeSecretKey = "sk_test_xxx"
	assert.NoError(t, prod.Validate())
}
