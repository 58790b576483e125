package models

import (
	"time"

	"github.com/fit2garmin/throttle/pkg/constants"
)

// ClientReputation tracks a client's trust level. It is mutated only by the
// violation-recording path; the admission path reads it to scale limits.
type ClientReputation struct {
	ClientID        string              `gorm:"primaryKey;size:128"`
	ReputationScore int                 // 0..100, higher is better
	RiskLevel       constants.RiskLevel `gorm:"size:16"`
	ViolationCount  int64
	UpdatedAt       time.Time
}

// TableName keeps the legacy table name used by the store migrations.
func (ClientReputation) TableName() string { return "client_reputation" }

// NewClientReputation returns the lazy default: full trust.
func NewClientReputation(clientID string) *ClientReputation {
	return &ClientReputation{
		ClientID:        clientID,
		ReputationScore: 100,
		RiskLevel:       constants.RiskLevelLow,
	}
}

// scorePenalty is how much one violation of each type costs.
var scorePenalty = map[constants.ViolationType]int{
	constants.ViolationRateExceeded:      5,
	constants.ViolationSuspiciousPattern: 15,
	constants.ViolationBurstAttack:       30,
}

// ApplyViolation lowers the score and re-derives the risk level.
func (r *ClientReputation) ApplyViolation(vt constants.ViolationType, now time.Time) {
	r.ReputationScore -= scorePenalty[vt]
	if r.ReputationScore < 0 {
		r.ReputationScore = 0
	}
	r.ViolationCount++
	r.RiskLevel = riskLevelForScore(r.ReputationScore)
	r.UpdatedAt = now
}

func riskLevelForScore(score int) constants.RiskLevel {
	switch {
	case score >= 80:
		return constants.RiskLevelLow
	case score >= 50:
		return constants.RiskLevelMedium
	case score >= 20:
		return constants.RiskLevelHigh
	default:
		return constants.RiskLevelCritical
	}
}

// RiskFactor returns the quota multiplier for a risk level. Monotonically
// non-increasing as the level worsens.
func RiskFactor(level constants.RiskLevel) float64 {
	switch level {
	case constants.RiskLevelMedium:
		return 0.6
	case constants.RiskLevelHigh:
		return 0.3
	case constants.RiskLevelCritical:
		return 0.1
	default:
		return 1.0
	}
}

// EffectiveLimit scales max by the client's risk factor, truncating toward
// zero.
func (r *ClientReputation) EffectiveLimit(max int64) int64 {
	return int64(float64(max) * RiskFactor(r.RiskLevel))
}
