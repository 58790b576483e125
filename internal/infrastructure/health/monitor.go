// Package health tracks per-tier availability with a circuit-breaker state
// machine and tells the orchestrator which tiers are usable.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fit2garmin/throttle/internal/config"
	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/internal/infrastructure/monitoring"
	"github.com/fit2garmin/throttle/pkg/constants"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// Monitor owns one TierHealth record per registered tier. Records are
// mutated only here, under single-writer discipline: overlapping probes for
// the same tier are collapsed through a singleflight group.
//
// State machine per tier:
//
//	HEALTHY --(failures >= failureThreshold)--> UNHEALTHY (circuit opens)
//	UNHEALTHY --(circuitOpenUntil elapsed)--> half-open retry probe
//	probe success: failures-- (never reset outright); HEALTHY once
//	failures <= recoveryThreshold, DEGRADED in between. The decrement is the
//	hysteresis that keeps a flapping tier from oscillating.
type Monitor struct {
	mu      sync.RWMutex
	tiers   map[constants.Tier]*tierState
	group   singleflight.Group
	cfg     config.HealthConfig
	metrics *monitoring.Metrics
	log     logger.Logger
	now     func() time.Time
}

type tierState struct {
	health models.TierHealth
	prober service.Prober
}

var _ service.HealthMonitor = (*Monitor)(nil)

// NewMonitor creates an empty monitor; tiers are attached with Register.
func NewMonitor(cfg config.HealthConfig, metrics *monitoring.Metrics, log logger.Logger) *Monitor {
	return &Monitor{
		tiers:   make(map[constants.Tier]*tierState),
		cfg:     cfg,
		metrics: metrics,
		log:     log.WithComponent("health_monitor"),
		now:     time.Now,
	}
}

// Register attaches a tier with its probe. Tiers start healthy.
func (m *Monitor) Register(tier constants.Tier, prober service.Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[tier] = &tierState{
		health: models.TierHealth{Tier: tier, Status: models.TierHealthy},
		prober: prober,
	}
}

// Snapshot implements service.HealthMonitor. Stale tiers are re-probed
// first; fresh ones are returned as-is so the hot path never probes
// redundantly.
func (m *Monitor) Snapshot(ctx context.Context) models.HealthSnapshot {
	m.probeAll(ctx, false)
	return m.copyState()
}

// Refresh implements service.HealthMonitor: probes every tier regardless of
// staleness. Circuit-open tiers are still skipped until their window
// elapses.
func (m *Monitor) Refresh(ctx context.Context) {
	m.probeAll(ctx, true)
}

func (m *Monitor) probeAll(ctx context.Context, force bool) {
	m.mu.RLock()
	due := make([]constants.Tier, 0, len(m.tiers))
	for tier, state := range m.tiers {
		if m.probeDue(state.health, force) {
			due = append(due, tier)
		}
	}
	m.mu.RUnlock()

	for _, tier := range due {
		m.probeTier(ctx, tier)
	}
}

// probeDue decides whether a tier should be probed now.
func (m *Monitor) probeDue(h models.TierHealth, force bool) bool {
	now := m.now()
	if h.Status == models.TierUnhealthy {
		// Circuit open: no probes until the window elapses, then one
		// half-open retry.
		return !now.Before(h.CircuitOpenUntil)
	}
	if force {
		return true
	}
	return now.Sub(h.LastCheckedAt) > m.cfg.CheckInterval
}

// probeTier runs the tier's probe once, collapsing concurrent callers.
func (m *Monitor) probeTier(ctx context.Context, tier constants.Tier) {
	m.group.Do(string(tier), func() (interface{}, error) {
		m.mu.RLock()
		state, ok := m.tiers[tier]
		m.mu.RUnlock()
		if !ok {
			return nil, nil
		}

		start := m.now()
		err := state.prober.Probe(ctx)
		latency := m.now().Sub(start)
		m.metrics.RecordProbe(tier, latency, err)
		m.applyResult(ctx, tier, latency, err)
		return nil, nil
	})
}

// applyResult is the only writer of tier health.
func (m *Monitor) applyResult(ctx context.Context, tier constants.Tier, latency time.Duration, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.tiers[tier]
	if !ok {
		return
	}
	h := &state.health
	now := m.now()
	h.LastCheckedAt = now
	h.LastLatency = latency

	if probeErr != nil {
		h.ConsecutiveFailures++
		h.LastError = probeErr.Error()
		if h.ConsecutiveFailures >= m.cfg.FailureThreshold {
			if h.Status != models.TierUnhealthy {
				m.log.Warn(ctx, "tier circuit opened",
					logger.String("tier", string(tier)),
					logger.Int("failures", h.ConsecutiveFailures),
				)
			}
			h.Status = models.TierUnhealthy
			h.CircuitOpenUntil = now.Add(m.cfg.CircuitTimeout)
		} else {
			h.Status = models.TierDegraded
		}
		return
	}

	h.LastError = ""
	if h.ConsecutiveFailures > 0 {
		h.ConsecutiveFailures--
	}
	if h.ConsecutiveFailures <= m.cfg.RecoveryThreshold {
		if h.Status != models.TierHealthy {
			m.log.Info(ctx, "tier recovered", logger.String("tier", string(tier)))
		}
		h.Status = models.TierHealthy
		h.CircuitOpenUntil = time.Time{}
	} else {
		h.Status = models.TierDegraded
	}
}

// ReportFailure lets the orchestrator feed request-time failures into the
// same state machine as probes, so a broken tier is sidelined before the
// next probe cycle.
func (m *Monitor) ReportFailure(ctx context.Context, tier constants.Tier, err error) {
	m.applyResult(ctx, tier, 0, err)
}

func (m *Monitor) copyState() models.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(models.HealthSnapshot, len(m.tiers))
	for tier, state := range m.tiers {
		snapshot[tier] = state.health
	}
	return snapshot
}
