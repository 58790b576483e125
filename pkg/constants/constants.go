// Package constants defines system-wide constants for the throttle core.
package constants

import "time"

// ================================================================================
// Risk Level Constants
// ================================================================================

// RiskLevel represents a client's reputation-derived trust classification.
type RiskLevel string

const (
	// RiskLevelLow is the default classification; full quota applies.
	RiskLevelLow RiskLevel = "LOW"

	// RiskLevelMedium reduces the effective quota to 60%.
	RiskLevelMedium RiskLevel = "MEDIUM"

	// RiskLevelHigh reduces the effective quota to 30%.
	RiskLevelHigh RiskLevel = "HIGH"

	// RiskLevelCritical reduces the effective quota to 10%.
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// ================================================================================
// Violation Type Constants
// ================================================================================

// ViolationType classifies how far past its limit a client has gone.
type ViolationType string

const (
	// ViolationRateExceeded marks an ordinary limit overrun (ratio < 1.5).
	ViolationRateExceeded ViolationType = "RATE_EXCEEDED"

	// ViolationSuspiciousPattern marks a sustained overrun (ratio >= 1.5).
	ViolationSuspiciousPattern ViolationType = "SUSPICIOUS_PATTERN"

	// ViolationBurstAttack marks an aggressive overrun (ratio >= 3.0).
	ViolationBurstAttack ViolationType = "BURST_ATTACK"
)

// ================================================================================
// Tier Constants
// ================================================================================

// Tier identifies one of the external storage tiers the limiter can use.
type Tier string

const (
	// TierCache is the redis decision cache.
	TierCache Tier = "cache"

	// TierStore is the authoritative transactional counter store.
	TierStore Tier = "store"

	// TierAnalytics is the blob-oriented analytics sink.
	TierAnalytics Tier = "analytics"
)

// ================================================================================
// Defaults
// ================================================================================

const (
	// DefaultMaxRequests applies when an endpoint has no quota configured.
	DefaultMaxRequests = 60

	// DefaultWindow applies when an endpoint has no window configured.
	DefaultWindow = 5 * time.Minute

	// BucketGranularity is the width of one counter bucket in the
	// authoritative store.
	BucketGranularity = 60 * time.Second

	// DecisionCacheTTL bounds how long a cached admit/deny decision is
	// trusted before the authoritative tier is consulted again.
	DecisionCacheTTL = 30 * time.Second

	// ActorIdleTTL is how long an untouched actor bucket survives before
	// the maintenance sweep evicts it.
	ActorIdleTTL = 2 * time.Hour

	// DailyQuotaLimit is the per-calendar-day ceiling for conversions.
	DailyQuotaLimit = 2

	// MaintenanceInterval is how often the background loop runs cleanup,
	// analytics flushes, and forced health probes.
	MaintenanceInterval = 5 * time.Minute
)

// ================================================================================
// Health Monitoring
// ================================================================================

const (
	// HealthFailureThreshold is the consecutive-failure count that opens a
	// tier's circuit.
	HealthFailureThreshold = 3

	// HealthRecoveryThreshold is the failure count a tier must decay to
	// before it is considered healthy again.
	HealthRecoveryThreshold = 1

	// HealthCheckInterval is the minimum spacing between probes of the
	// same tier.
	HealthCheckInterval = 15 * time.Second

	// CircuitBreakerTimeout is how long an unhealthy tier's circuit stays
	// open before a half-open retry.
	CircuitBreakerTimeout = 60 * time.Second
)
