package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/constants"
)

func TestNewClientReputation_Defaults(t *testing.T) {
	rep := models.NewClientReputation("client-1")

	assert.Equal(t, "client-1", rep.ClientID)
	assert.Equal(t, 100, rep.ReputationScore)
	assert.Equal(t, constants.RiskLevelLow, rep.RiskLevel)
	assert.Zero(t, rep.ViolationCount)
}

func TestApplyViolation_PenaltiesAndLevels(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name          string
		violations    []constants.ViolationType
		expectedScore int
		expectedLevel constants.RiskLevel
	}{
		{
			name:          "SingleRateExceeded",
			violations:    []constants.ViolationType{constants.ViolationRateExceeded},
			expectedScore: 95,
			expectedLevel: constants.RiskLevelLow,
		},
		{
			name: "FiveRateExceeded_DropsToMedium",
			violations: []constants.ViolationType{
				constants.ViolationRateExceeded,
				constants.ViolationRateExceeded,
				constants.ViolationRateExceeded,
				constants.ViolationRateExceeded,
				constants.ViolationRateExceeded,
			},
			expectedScore: 75,
			expectedLevel: constants.RiskLevelMedium,
		},
		{
			name: "TwoBursts_DropsToHigh",
			violations: []constants.ViolationType{
				constants.ViolationBurstAttack,
				constants.ViolationBurstAttack,
			},
			expectedScore: 40,
			expectedLevel: constants.RiskLevelHigh,
		},
		{
			name: "ThreeBursts_Critical",
			violations: []constants.ViolationType{
				constants.ViolationBurstAttack,
				constants.ViolationBurstAttack,
				constants.ViolationBurstAttack,
			},
			expectedScore: 10,
			expectedLevel: constants.RiskLevelCritical,
		},
		{
			name: "ScoreFloorsAtZero",
			violations: []constants.ViolationType{
				constants.ViolationBurstAttack,
				constants.ViolationBurstAttack,
				constants.ViolationBurstAttack,
				constants.ViolationBurstAttack,
			},
			expectedScore: 0,
			expectedLevel: constants.RiskLevelCritical,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rep := models.NewClientReputation("client-1")
			for _, vt := range tc.violations {
				rep.ApplyViolation(vt, now)
			}
			assert.Equal(t, tc.expectedScore, rep.ReputationScore)
			assert.Equal(t, tc.expectedLevel, rep.RiskLevel)
			assert.Equal(t, int64(len(tc.violations)), rep.ViolationCount)
			assert.Equal(t, now, rep.UpdatedAt)
		})
	}
}

func TestRiskFactor_MonotonicallyNonIncreasing(t *testing.T) {
	levels := []constants.RiskLevel{
		constants.RiskLevelLow,
		constants.RiskLevelMedium,
		constants.RiskLevelHigh,
		constants.RiskLevelCritical,
	}
	prev := models.RiskFactor(levels[0])
	assert.Equal(t, 1.0, prev)
	for _, level := range levels[1:] {
		factor := models.RiskFactor(level)
		assert.LessOrEqual(t, factor, prev, "factor must not increase for %s", level)
		prev = factor
	}
	assert.Equal(t, 0.1, models.RiskFactor(constants.RiskLevelCritical))
}

func TestEffectiveLimit_TruncatesTowardZero(t *testing.T) {
	rep := models.NewClientReputation("client-1")

	rep.RiskLevel = constants.RiskLevelCritical
	assert.Equal(t, int64(2), rep.EffectiveLimit(20))

	rep.RiskLevel = constants.RiskLevelHigh
	assert.Equal(t, int64(7), rep.EffectiveLimit(25)) // 25 * 0.3 = 7.5

	rep.RiskLevel = constants.RiskLevelLow
	assert.Equal(t, int64(20), rep.EffectiveLimit(20))
}
