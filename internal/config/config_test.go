package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fit2garmin/throttle/internal/config"
	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/constants"
)

func TestDefaults_AreValid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "transactional", cfg.RateLimit.Backend)
	assert.Equal(t, constants.DecisionCacheTTL, cfg.RateLimit.CacheTTL)
	assert.Equal(t, int64(constants.DailyQuotaLimit), cfg.Daily.Limit)
	assert.Len(t, cfg.RateLimit.Endpoints, 5)
}

func TestValidate_RejectsBadBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.RateLimit.Backend = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveQuota(t *testing.T) {
	cfg := config.Defaults()
	cfg.RateLimit.Endpoints[0].MaxRequests = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsInvertedHealthThresholds(t *testing.T) {
	cfg := config.Defaults()
	cfg.Health.FailureThreshold = 1
	cfg.Health.RecoveryThreshold = 3
	assert.Error(t, cfg.Validate())
}

func TestQuotaFor_FallsBackToDefault(t *testing.T) {
	cfg := config.Defaults()

	upload := cfg.RateLimit.QuotaFor("upload")
	assert.Equal(t, int64(20), upload.MaxRequests)
	assert.Equal(t, 300*time.Second, upload.Window)

	unknown := cfg.RateLimit.QuotaFor("mystery")
	assert.Equal(t, models.DefaultQuota("mystery"), unknown)
	assert.Equal(t, int64(constants.DefaultMaxRequests), unknown.MaxRequests)
	assert.True(t, unknown.Enabled)
}

func TestGetDSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host: "db.internal", Port: 5432, User: "throttle",
		Password: "secret", Database: "throttle", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db.internal port=5432 user=throttle password=secret dbname=throttle sslmode=require",
		cfg.GetDSN())
}
