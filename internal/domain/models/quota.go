package models

import (
	"time"

	"github.com/fit2garmin/throttle/pkg/constants"
)

// QuotaConfig is the per-endpoint quota definition. Loaded once per process
// lifetime (or on config refresh) and immutable while in use.
type QuotaConfig struct {
	Endpoint       string        `mapstructure:"endpoint" json:"endpoint"`
	MaxRequests    int64         `mapstructure:"max_requests" json:"max_requests"`
	Window         time.Duration `mapstructure:"window" json:"window"`
	BurstAllowance int64         `mapstructure:"burst_allowance" json:"burst_allowance"`
	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
}

// DefaultQuota returns the hard-coded quota applied when the config source
// has no entry for an endpoint.
func DefaultQuota(endpoint string) QuotaConfig {
	return QuotaConfig{
		Endpoint:    endpoint,
		MaxRequests: constants.DefaultMaxRequests,
		Window:      constants.DefaultWindow,
		Enabled:     true,
	}
}

// RequestRecord is one time-bucketed counter row in the authoritative store.
// Multiple rows per (client, endpoint) accumulate across buckets; rows older
// than the window are logically expired and reclaimed lazily.
type RequestRecord struct {
	ID          uint      `gorm:"primaryKey"`
	ClientID    string    `gorm:"size:128;uniqueIndex:idx_client_endpoint_bucket;index:idx_records_client"`
	Endpoint    string    `gorm:"size:64;uniqueIndex:idx_client_endpoint_bucket"`
	BucketStart time.Time `gorm:"uniqueIndex:idx_client_endpoint_bucket;index:idx_records_bucket"`
	Count       int64
}

// TableName keeps the legacy table name used by the store migrations.
func (RequestRecord) TableName() string { return "request_records" }

// DailyUsage is one calendar-day usage row for the daily quota tracker.
// Keyed by UTC day rather than a sliding window.
type DailyUsage struct {
	ID        uint   `gorm:"primaryKey"`
	ClientID  string `gorm:"size:128;uniqueIndex:idx_daily_client_day"`
	Day       string `gorm:"size:10;uniqueIndex:idx_daily_client_day"` // YYYY-MM-DD, UTC
	IPAddress string `gorm:"size:64;index:idx_daily_ip"`
	Count     int64
	UpdatedAt time.Time
}

// TableName keeps the legacy table name used by the store migrations.
func (DailyUsage) TableName() string { return "daily_usage" }

// PremiumPass is a purchased exemption from the daily quota. Rows are
// written by the payment subsystem; this service only reads them.
type PremiumPass struct {
	ID        uint      `gorm:"primaryKey"`
	ClientID  string    `gorm:"size:128;index:idx_passes_client"`
	ExpiresAt time.Time `gorm:"index:idx_passes_expiry"`
	CreatedAt time.Time
}

// TableName keeps the legacy table name used by the store migrations.
func (PremiumPass) TableName() string { return "premium_passes" }

// UTCDay formats t as the UTC calendar-day key used by DailyUsage.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
