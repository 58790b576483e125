package models

import (
	"time"

	"github.com/fit2garmin/throttle/pkg/constants"
)

// ViolationRecord is one append-only row in the violation log.
type ViolationRecord struct {
	ID            string                  `gorm:"primaryKey;size:36"`
	ClientID      string                  `gorm:"size:128;index:idx_violations_client"`
	Endpoint      string                  `gorm:"size:64"`
	ViolationType constants.ViolationType `gorm:"size:32"`
	CurrentCount  int64
	LimitExceeded int64
	WindowSeconds int64
	Timestamp     time.Time `gorm:"index:idx_violations_ts"`
	Metadata      string    `gorm:"type:text"` // JSON-encoded request metadata
}

// TableName keeps the legacy table name used by the store migrations.
func (ViolationRecord) TableName() string { return "violations" }

// ClassifyViolation derives the violation type from the overrun ratio
// current/limit: >=3.0 is a burst attack, >=1.5 a suspicious pattern,
// anything else a plain rate excess.
func ClassifyViolation(current, limit int64) constants.ViolationType {
	if limit <= 0 {
		return constants.ViolationBurstAttack
	}
	ratio := float64(current) / float64(limit)
	switch {
	case ratio >= 3.0:
		return constants.ViolationBurstAttack
	case ratio >= 1.5:
		return constants.ViolationSuspiciousPattern
	default:
		return constants.ViolationRateExceeded
	}
}
