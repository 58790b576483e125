// Package service declares the capability interfaces the orchestrator
// composes. Infrastructure packages provide implementations; tests provide
// fakes.
package service

import (
	"context"
	"time"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/constants"
)

// CounterBackend is an authoritative sliding-window admission check. Both
// the transactional store and the actor limiter satisfy it; they differ only
// in how they guarantee atomicity.
type CounterBackend interface {
	// Check admits or rejects one request. A rejection is returned as a
	// *errors.QuotaExceededError; any other error is an infrastructure
	// failure the caller must handle by falling back.
	Check(ctx context.Context, clientID, endpoint string, quota models.QuotaConfig, metadata map[string]string) (*models.Decision, error)

	// Usage returns the current window count without admitting anything.
	Usage(ctx context.Context, clientID, endpoint string, quota models.QuotaConfig) (*models.EndpointUsage, error)

	// Reset clears counters for a client. Empty endpoint clears all.
	Reset(ctx context.Context, clientID, endpoint string) error

	// CleanupExpired reclaims rows older than any live window. Returns the
	// number of rows removed.
	CleanupExpired(ctx context.Context) (int64, error)
}

// DecisionCache memoizes recent admit/deny decisions.
type DecisionCache interface {
	// Get returns the cached decision for key, or (nil, nil) on a miss.
	Get(ctx context.Context, key string) (*models.CachedDecision, error)

	// Put stores a decision under key for ttl.
	Put(ctx context.Context, key string, decision *models.CachedDecision, ttl time.Duration) error

	// Delete drops a cached decision.
	Delete(ctx context.Context, key string) error
}

// AnalyticsSink receives usage events off the decision path. Implementations
// must never block or fail an admission decision.
type AnalyticsSink interface {
	// Record buffers one event. Non-blocking.
	Record(event models.UsageEvent)

	// Flush forces buffered events out. Errors leave the buffer intact.
	Flush(ctx context.Context) error
}

// ViolationPublisher emits violation events to interested consumers.
// Best-effort; failures are logged and dropped.
type ViolationPublisher interface {
	Publish(ctx context.Context, v models.ViolationRecord) error
}

// PassLookup answers whether a client holds an active premium pass. Provided
// by the payment subsystem; the daily quota tracker consults it before
// enforcing day limits.
type PassLookup interface {
	HasActivePass(ctx context.Context, clientID string) (bool, error)
}

// HealthMonitor tracks per-tier health and exposes which tiers are usable.
type HealthMonitor interface {
	// Snapshot re-probes stale tiers as needed and returns the current
	// health of every tier.
	Snapshot(ctx context.Context) models.HealthSnapshot

	// Refresh forces a probe of every tier regardless of staleness.
	Refresh(ctx context.Context)

	// ReportFailure feeds a request-time tier failure into the state
	// machine so the tier is sidelined before the next probe cycle.
	ReportFailure(ctx context.Context, tier constants.Tier, err error)
}

// Prober is one tier's minimal round-trip health check.
type Prober interface {
	Probe(ctx context.Context) error
}
