package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridelab/coachgate/internal/config"
	"github.com/stridelab/coachgate/internal/ratelimit"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.True(t, cfg.AdmissionEnabled)
	assert.Equal(t, "coachgate", cfg.ServiceName)
	assert.Equal(t, "knowledge", cfg.QdrantCollection)
	assert.Equal(t, 12, cfg.MaxChunks)
	assert.EqualValues(t, 1024*1024, cfg.MaxRequestBodyBytes)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COACHGATE_PORT", "9090")
	t.Setenv("COACHGATE_ADMISSION_ENABLED", "false")
	t.Setenv("COACHGATE_READ_TIMEOUT", "5s")
	t.Setenv("COACHGATE_LIMIT_FREE_EXPENSIVE_MINUTE", "25")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.AdmissionEnabled)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 25, cfg.FreeExpensivePerMinute)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("COACHGATE_PORT", "not-a-number")
	t.Setenv("COACHGATE_READ_TIMEOUT", "soon")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port, "malformed values fall back to the default")
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}

func TestQuotasAppliesOverrides(t *testing.T) {
	t.Setenv("COACHGATE_LIMIT_PREMIUM_GENERAL_HOURLY", "900")

	cfg, err := config.Load()
	require.NoError(t, err)

	q := cfg.Quotas()
	assert.Equal(t, 900, q.Lookup(ratelimit.TierPremium, ratelimit.ClassGeneral).Hourly)

	// Untouched entries keep the built-in defaults, admin included.
	assert.Equal(t, 10, q.Lookup(ratelimit.TierFree, ratelimit.ClassExpensive).PerMinute)
	assert.Equal(t, 10000, q.Lookup(ratelimit.TierAdmin, ratelimit.ClassGeneral).Hourly)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	bad := cfg
	bad.DatabaseURL = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.EmbeddingDimensions = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.FreeGeneralHourly = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxChunks = -1
	assert.Error(t, bad.Validate())
}
