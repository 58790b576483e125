package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/constants"
)

func snapshot(store, cache models.TierStatus) models.HealthSnapshot {
	return models.HealthSnapshot{
		constants.TierStore: {Tier: constants.TierStore, Status: store},
		constants.TierCache: {Tier: constants.TierCache, Status: cache},
	}
}

func TestSelectStrategy(t *testing.T) {
	testCases := []struct {
		name     string
		snapshot models.HealthSnapshot
		expected models.Strategy
	}{
		{name: "AllHealthy", snapshot: snapshot(models.TierHealthy, models.TierHealthy), expected: models.StrategyFull},
		{name: "DegradedStillUsable", snapshot: snapshot(models.TierDegraded, models.TierDegraded), expected: models.StrategyFull},
		{name: "CacheDown", snapshot: snapshot(models.TierHealthy, models.TierUnhealthy), expected: models.StrategyStoreOnly},
		{name: "StoreDown", snapshot: snapshot(models.TierUnhealthy, models.TierHealthy), expected: models.StrategyCacheOnly},
		{name: "BothDown", snapshot: snapshot(models.TierUnhealthy, models.TierUnhealthy), expected: models.StrategyMemoryOnly},
		{name: "EmptySnapshot", snapshot: models.HealthSnapshot{}, expected: models.StrategyMemoryOnly},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, models.SelectStrategy(tc.snapshot))
		})
	}
}

func TestTierHealthUsable(t *testing.T) {
	assert.True(t, models.TierHealth{Status: models.TierHealthy}.Usable())
	assert.True(t, models.TierHealth{Status: models.TierDegraded}.Usable())
	assert.False(t, models.TierHealth{Status: models.TierUnhealthy}.Usable())
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "full", models.StrategyFull.String())
	assert.Equal(t, "store-only", models.StrategyStoreOnly.String())
	assert.Equal(t, "cache-only", models.StrategyCacheOnly.String())
	assert.Equal(t, "memory-only", models.StrategyMemoryOnly.String())
}
