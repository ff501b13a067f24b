package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, "employee", cfg.AuthDefaultRole)
	assert.False(t, cfg.AuthAutoProvision)
	assert.Equal(t, 15*time.Minute, cfg.JWTAccessTTL)
	assert.Equal(t, 168*time.Hour, cfg.JWTRefreshTTL)
	assert.Equal(t, 10, cfg.AuthLoginRateLimit)
	assert.True(t, cfg.ExposeResetToken())
	assert.Equal(t, ":9091", cfg.WorkerMetricsAddr)
	assert.Equal(t, "@every 1h", cfg.RefreshPurgeSpec)

	tc := cfg.TokenConfig()
	assert.Equal(t, testSecret, tc.Secret)
	assert.Equal(t, "odyssey-iam", tc.Issuer)
	assert.Equal(t, 30*time.Minute, tc.ResetTTL)
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "too-short")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestLoadConfigRefusesAutoProvisionInProduction(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_DEV_AUTO_PROVISION", "true")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "AUTH_DEV_AUTO_PROVISION")

	t.Setenv("AUTH_DEV_AUTO_PROVISION", "false")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.ExposeResetToken())
}

func TestConfigValidate(t *testing.T) {
	base := Config{JWTSecret: testSecret, AuthDefaultRole: "employee", AuthLoginRateLimit: 5}
	require.NoError(t, base.Validate())

	admin := base
	admin.AuthDefaultRole = "admin"
	assert.Error(t, admin.Validate())

	noLimit := base
	noLimit.AuthLoginRateLimit = 0
	assert.Error(t, noLimit.Validate())
}

func TestInTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	assert.True(t, InTestMode())

	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	assert.False(t, InTestMode())
}
