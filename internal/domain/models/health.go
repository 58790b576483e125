package models

import (
	"time"

	"github.com/fit2garmin/throttle/pkg/constants"
)

// TierStatus is the health classification of one storage tier.
type TierStatus string

const (
	TierHealthy   TierStatus = "HEALTHY"
	TierDegraded  TierStatus = "DEGRADED"
	TierUnhealthy TierStatus = "UNHEALTHY"
)

// TierHealth is the mutable health record for one tier. It is updated only
// by the health monitor, never by request handlers.
type TierHealth struct {
	Tier                constants.Tier `json:"tier"`
	Status              TierStatus     `json:"status"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastCheckedAt       time.Time      `json:"last_checked_at"`
	CircuitOpenUntil    time.Time      `json:"circuit_open_until"`
	LastLatency         time.Duration  `json:"last_latency"`
	LastError           string         `json:"last_error,omitempty"`
}

// Usable reports whether the orchestrator may route requests through this
// tier right now. An unhealthy tier becomes probe-able again once its
// circuit-open window elapses, but stays unusable until a probe succeeds.
func (h TierHealth) Usable() bool {
	return h.Status != TierUnhealthy
}

// HealthSnapshot is a point-in-time copy of every tier's health.
type HealthSnapshot map[constants.Tier]TierHealth

// Usable reports whether the named tier is present and usable.
func (s HealthSnapshot) Usable(tier constants.Tier) bool {
	h, ok := s[tier]
	return ok && h.Usable()
}

// Strategy is the admission strategy the orchestrator runs for a request.
type Strategy int

const (
	// StrategyFull consults the cache first and the authoritative store on
	// a miss.
	StrategyFull Strategy = iota

	// StrategyStoreOnly bypasses the cache and hits the store directly.
	StrategyStoreOnly

	// StrategyCacheOnly runs on the cache alone; approximate.
	StrategyCacheOnly

	// StrategyMemoryOnly runs on the process-local tier; it cannot fail
	// for infrastructure reasons.
	StrategyMemoryOnly
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case StrategyFull:
		return "full"
	case StrategyStoreOnly:
		return "store-only"
	case StrategyCacheOnly:
		return "cache-only"
	default:
		return "memory-only"
	}
}

// SelectStrategy is a pure function of the tier health snapshot.
func SelectStrategy(s HealthSnapshot) Strategy {
	store := s.Usable(constants.TierStore)
	cache := s.Usable(constants.TierCache)
	switch {
	case store && cache:
		return StrategyFull
	case store:
		return StrategyStoreOnly
	case cache:
		return StrategyCacheOnly
	default:
		return StrategyMemoryOnly
	}
}

// SystemStatus is the operator-visible view returned by GetSystemStatus.
type SystemStatus struct {
	Tiers    HealthSnapshot `json:"tiers"`
	Strategy string         `json:"strategy"`
}
