package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/constants"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func newTestCounter(t *testing.T, at time.Time) (*CounterRepository, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	repo := NewCounterRepository(db, 10*time.Minute, logger.NewNoopLogger())
	repo.now = func() time.Time { return at }
	return repo, db
}

func TestCounterCheck_AdmitsUpToLimitThenRejects(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	repo, _ := newTestCounter(t, at)
	quota := models.QuotaConfig{Endpoint: "upload", MaxRequests: 20, Window: 5 * time.Minute, Enabled: true}

	for i := 1; i <= 20; i++ {
		decision, err := repo.Check(ctx, "client-1", "upload", quota, nil)
		require.NoError(t, err, "request %d should be admitted", i)
		require.NotNil(t, decision)
		assert.True(t, decision.Admitted)
		assert.Equal(t, int64(i), decision.Current)
		assert.Equal(t, int64(20), decision.Max)
	}

	decision, err := repo.Check(ctx, "client-1", "upload", quota, nil)
	assert.Nil(t, decision)
	quotaErr, ok := errors.AsQuotaExceeded(err)
	require.True(t, ok, "21st request must carry quota semantics, got %v", err)
	assert.Equal(t, int64(20), quotaErr.Current)
	assert.Equal(t, int64(20), quotaErr.Max)
	assert.True(t, quotaErr.RetryAfter > 0)
	assert.Equal(t, quotaErr.ResetTime.Sub(at), quotaErr.RetryAfter)
}

func TestCounterCheck_RejectionRecordsViolationAndReputation(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	repo, db := newTestCounter(t, at)
	quota := models.QuotaConfig{Endpoint: "convert", MaxRequests: 2, Window: 10 * time.Minute, Enabled: true}

	for i := 0; i < 2; i++ {
		_, err := repo.Check(ctx, "client-1", "convert", quota, nil)
		require.NoError(t, err)
	}
	_, err := repo.Check(ctx, "client-1", "convert", quota, map[string]string{"ip": "10.0.0.1"})
	_, ok := errors.AsQuotaExceeded(err)
	require.True(t, ok)

	violations, err := repo.RecentViolations(ctx, "client-1", 10)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, constants.ViolationRateExceeded, violations[0].ViolationType)
	assert.Equal(t, int64(2), violations[0].CurrentCount)
	assert.Contains(t, violations[0].Metadata, "10.0.0.1")

	var rep models.ClientReputation
	require.NoError(t, db.Where("client_id = ?", "client-1").First(&rep).Error)
	assert.Equal(t, 95, rep.ReputationScore)
	assert.Equal(t, int64(1), rep.ViolationCount)
}

func TestCounterCheck_ReputationScalesEffectiveLimit(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	repo, db := newTestCounter(t, at)
	quota := models.QuotaConfig{Endpoint: "upload", MaxRequests: 20, Window: 5 * time.Minute, Enabled: true}

	// A critical-risk client gets floor(20 * 0.1) = 2 requests.
	rep := models.ClientReputation{
		ClientID:        "bad-client",
		ReputationScore: 5,
		RiskLevel:       constants.RiskLevelCritical,
		UpdatedAt:       at,
	}
	require.NoError(t, db.Create(&rep).Error)

	for i := 1; i <= 2; i++ {
		decision, err := repo.Check(ctx, "bad-client", "upload", quota, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), decision.Max)
	}
	_, err := repo.Check(ctx, "bad-client", "upload", quota, nil)
	quotaErr, ok := errors.AsQuotaExceeded(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), quotaErr.Max)
}

func TestCounterCheck_ExpiredBucketsFallOutOfWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	repo, _ := newTestCounter(t, base)
	quota := models.QuotaConfig{Endpoint: "upload", MaxRequests: 2, Window: 5 * time.Minute, Enabled: true}

	for i := 0; i < 2; i++ {
		_, err := repo.Check(ctx, "client-1", "upload", quota, nil)
		require.NoError(t, err)
	}
	_, err := repo.Check(ctx, "client-1", "upload", quota, nil)
	_, ok := errors.AsQuotaExceeded(err)
	require.True(t, ok)

	// Advance past the window; the old bucket must be reclaimed and the
	// request admitted again.
	repo.now = func() time.Time { return base.Add(6 * time.Minute) }
	decision, err := repo.Check(ctx, "client-1", "upload", quota, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), decision.Current)
}

func TestCounterCheck_SameBucketAccumulates(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	repo, db := newTestCounter(t, at)
	quota := models.QuotaConfig{Endpoint: "upload", MaxRequests: 20, Window: 5 * time.Minute, Enabled: true}

	for i := 0; i < 3; i++ {
		_, err := repo.Check(ctx, "client-1", "upload", quota, nil)
		require.NoError(t, err)
	}

	var records []models.RequestRecord
	require.NoError(t, db.Find(&records).Error)
	require.Len(t, records, 1, "requests within one granularity bucket share a row")
	assert.Equal(t, int64(3), records[0].Count)
	assert.Equal(t, at.Truncate(constants.BucketGranularity), records[0].BucketStart.UTC())
}

func TestCounterUsage(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	repo, _ := newTestCounter(t, at)
	quota := models.QuotaConfig{Endpoint: "upload", MaxRequests: 20, Window: 5 * time.Minute, Enabled: true}

	for i := 0; i < 5; i++ {
		_, err := repo.Check(ctx, "client-1", "upload", quota, nil)
		require.NoError(t, err)
	}

	usage, err := repo.Usage(ctx, "client-1", "upload", quota)
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage.Used)
	assert.Equal(t, int64(20), usage.Limit)
	assert.Equal(t, int64(15), usage.Remaining)
}

func TestCounterReset(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	repo, _ := newTestCounter(t, at)
	quota := models.QuotaConfig{Endpoint: "upload", MaxRequests: 20, Window: 5 * time.Minute, Enabled: true}

	for i := 0; i < 5; i++ {
		_, err := repo.Check(ctx, "client-1", "upload", quota, nil)
		require.NoError(t, err)
	}
	require.NoError(t, repo.Reset(ctx, "client-1", "upload"))

	usage, err := repo.Usage(ctx, "client-1", "upload", quota)
	require.NoError(t, err)
	assert.Zero(t, usage.Used)
}

func TestCounterCleanupExpired(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	repo, db := newTestCounter(t, at)

	stale := models.RequestRecord{
		ClientID:    "client-1",
		Endpoint:    "upload",
		BucketStart: at.Add(-time.Hour),
		Count:       4,
	}
	fresh := models.RequestRecord{
		ClientID:    "client-1",
		Endpoint:    "upload",
		BucketStart: at.Add(-time.Minute),
		Count:       1,
	}
	require.NoError(t, db.Create(&stale).Error)
	require.NoError(t, db.Create(&fresh).Error)

	removed, err := repo.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var remaining int64
	require.NoError(t, db.Model(&models.RequestRecord{}).Count(&remaining).Error)
	assert.Equal(t, int64(1), remaining)
}
