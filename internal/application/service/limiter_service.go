// Package service contains the application-level orchestration: strategy
// selection, progressive fallback, and the public throttling API.
package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fit2garmin/throttle/internal/config"
	"github.com/fit2garmin/throttle/internal/domain/models"
	domainsvc "github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/internal/infrastructure/monitoring"
	"github.com/fit2garmin/throttle/internal/infrastructure/persistence/redis"
	"github.com/fit2garmin/throttle/internal/infrastructure/ratelimit"
	"github.com/fit2garmin/throttle/pkg/constants"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// LimiterService is the strategy orchestrator. For every request it asks the
// health monitor which tiers are usable, picks a strategy, and runs an
// ordered attempt list: any non-quota error downgrades one strategy within
// the same request. The memory tier terminates the chain; it cannot fail for
// infrastructure reasons, so a decision is always produced.
type LimiterService struct {
	cfg       *config.RateLimitConfig
	store     domainsvc.CounterBackend
	cache     domainsvc.DecisionCache
	memory    *ratelimit.MemoryLimiter
	monitor   domainsvc.HealthMonitor
	sink      domainsvc.AnalyticsSink
	publisher domainsvc.ViolationPublisher // optional
	metrics   *monitoring.Metrics
	log       logger.Logger
	now       func() time.Time
}

// NewLimiterService wires the orchestrator. publisher may be nil when no
// broker is configured.
func NewLimiterService(
	cfg *config.RateLimitConfig,
	store domainsvc.CounterBackend,
	cache domainsvc.DecisionCache,
	memory *ratelimit.MemoryLimiter,
	monitor domainsvc.HealthMonitor,
	sink domainsvc.AnalyticsSink,
	publisher domainsvc.ViolationPublisher,
	metrics *monitoring.Metrics,
	log logger.Logger,
) *LimiterService {
	return &LimiterService{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		memory:    memory,
		monitor:   monitor,
		sink:      sink,
		publisher: publisher,
		metrics:   metrics,
		log:       log.WithComponent("limiter"),
		now:       time.Now,
	}
}

// CheckRateLimit admits or rejects one request. A nil result means the
// request may proceed. Infrastructure failures never surface here; the only
// rejection a caller ever sees carries quota semantics.
func (s *LimiterService) CheckRateLimit(
	ctx context.Context,
	clientID, endpoint string,
	metadata map[string]string,
) (*models.ThrottleResult, error) {
	quota := s.cfg.QuotaFor(endpoint)
	if !quota.Enabled {
		return nil, nil
	}

	snapshot := s.monitor.Snapshot(ctx)
	strategy := models.SelectStrategy(snapshot)

	for {
		decision, err := s.runStrategy(ctx, strategy, clientID, endpoint, quota, metadata)

		if err == nil {
			s.metrics.RecordDecision(endpoint, strategy.String(), true)
			s.recordUsage(clientID, endpoint, strategy, decision, true)
			return nil, nil
		}

		if qe, ok := errors.AsQuotaExceeded(err); ok {
			s.metrics.RecordDecision(endpoint, strategy.String(), false)
			s.recordUsage(clientID, endpoint, strategy, &models.Decision{
				Current: qe.Current, Max: qe.Max, ResetTime: qe.ResetTime,
			}, false)
			s.publishViolation(clientID, endpoint, quota, qe)
			return &models.ThrottleResult{
				RateLimited: true,
				Current:     qe.Current,
				Max:         qe.Max,
				ResetTime:   qe.ResetTime,
				RetryAfter:  qe.RetryAfter,
			}, nil
		}

		// Infrastructure failure: sideline the tier and retry one
		// strategy down within this same request.
		if tier := errors.TierFromError(err); tier != "" {
			s.monitor.ReportFailure(ctx, constants.Tier(tier), err)
		}
		next := downgrade(strategy)
		s.metrics.RecordFallback(strategy.String(), next.String())
		s.log.Warn(ctx, "strategy failed, degrading",
			logger.String("from", strategy.String()),
			logger.String("to", next.String()),
			logger.String("endpoint", endpoint),
			logger.Any("error", err.Error()),
		)
		strategy = next
	}
}

// downgrade steps one tier down. Memory-only is terminal.
func downgrade(s models.Strategy) models.Strategy {
	if s >= models.StrategyMemoryOnly {
		return models.StrategyMemoryOnly
	}
	return s + 1
}

func (s *LimiterService) runStrategy(
	ctx context.Context,
	strategy models.Strategy,
	clientID, endpoint string,
	quota models.QuotaConfig,
	metadata map[string]string,
) (*models.Decision, error) {
	switch strategy {
	case models.StrategyFull:
		return s.checkThroughCache(ctx, clientID, endpoint, quota, metadata, true)
	case models.StrategyStoreOnly:
		return s.store.Check(ctx, clientID, endpoint, quota, metadata)
	case models.StrategyCacheOnly:
		return s.checkThroughCache(ctx, clientID, endpoint, quota, metadata, false)
	default:
		return s.memory.Check(clientID, endpoint, quota)
	}
}

// checkThroughCache serves a hit from the cache tier, optimistically
// incrementing the cached count without re-consulting the authoritative
// store. A concurrent burst inside the TTL can therefore drift slightly
// from the store's count; that drift is the accepted price of keeping the
// store off the hot path. On a miss, or a hit whose window already reset
// or whose decision outlived the TTL, the request falls through to the
// store (withStore) or seeds a fresh approximate window (cache-only).
func (s *LimiterService) checkThroughCache(
	ctx context.Context,
	clientID, endpoint string,
	quota models.QuotaConfig,
	metadata map[string]string,
	withStore bool,
) (*models.Decision, error) {
	now := s.now()
	key := redis.Key(clientID, endpoint)

	cached, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// A stale hit is a miss. A rejection whose window already reset must
	// not keep rejecting, and an admit entry decided more than one TTL ago
	// has drifted too far from the store to keep incrementing against.
	if cached != nil {
		expired := !now.Before(cached.ResetTime)
		aged := withStore && !cached.RateLimited && now.Sub(cached.DecidedAt) > s.cfg.CacheTTL
		if expired || aged {
			cached = nil
		}
	}

	if cached != nil {
		if cached.RateLimited && now.Before(cached.ResetTime) {
			return nil, &errors.QuotaExceededError{
				Current:    cached.Current,
				Max:        cached.Max,
				ResetTime:  cached.ResetTime,
				RetryAfter: cached.ResetTime.Sub(now),
			}
		}

		cached.Current++
		if cached.Current > cached.Max {
			cached.RateLimited = true
			if putErr := s.cache.Put(ctx, key, cached, s.cfg.CacheTTL); putErr != nil {
				return nil, putErr
			}
			return nil, &errors.QuotaExceededError{
				Current:    cached.Current,
				Max:        cached.Max,
				ResetTime:  cached.ResetTime,
				RetryAfter: cached.ResetTime.Sub(now),
			}
		}
		if putErr := s.cache.Put(ctx, key, cached, s.cfg.CacheTTL); putErr != nil {
			return nil, putErr
		}
		return &models.Decision{
			Admitted:  true,
			Current:   cached.Current,
			Max:       cached.Max,
			ResetTime: cached.ResetTime,
		}, nil
	}

	// Cache miss.
	if !withStore {
		// Store is down: seed an approximate fresh window.
		seeded := &models.CachedDecision{
			Current:   1,
			Max:       quota.MaxRequests,
			ResetTime: now.Add(quota.Window),
			DecidedAt: now,
		}
		if putErr := s.cache.Put(ctx, key, seeded, s.cfg.CacheTTL); putErr != nil {
			return nil, putErr
		}
		return &models.Decision{
			Admitted:  true,
			Current:   1,
			Max:       quota.MaxRequests,
			ResetTime: seeded.ResetTime,
		}, nil
	}

	decision, err := s.store.Check(ctx, clientID, endpoint, quota, metadata)
	if err != nil {
		if qe, ok := errors.AsQuotaExceeded(err); ok {
			// Remember the rejection so the store is spared repeats.
			rejected := &models.CachedDecision{
				RateLimited: true,
				Current:     qe.Current,
				Max:         qe.Max,
				ResetTime:   qe.ResetTime,
				DecidedAt:   now,
			}
			if putErr := s.cache.Put(ctx, key, rejected, s.cfg.CacheTTL); putErr != nil {
				s.log.Debug(ctx, "failed to cache rejection", logger.Any("error", putErr.Error()))
			}
		}
		return nil, err
	}

	fresh := &models.CachedDecision{
		Current:   decision.Current,
		Max:       decision.Max,
		ResetTime: decision.ResetTime,
		DecidedAt: now,
	}
	if putErr := s.cache.Put(ctx, key, fresh, s.cfg.CacheTTL); putErr != nil {
		// The decision stands; only memoization was lost.
		s.log.Debug(ctx, "failed to cache decision", logger.Any("error", putErr.Error()))
	}
	return decision, nil
}

// GetStatus returns a per-endpoint usage snapshot for a client. Endpoints
// whose usage cannot be read are omitted rather than failing the snapshot.
func (s *LimiterService) GetStatus(ctx context.Context, clientID string) (map[string]models.EndpointUsage, error) {
	out := make(map[string]models.EndpointUsage, len(s.cfg.Endpoints))
	for _, quota := range s.cfg.Endpoints {
		if !quota.Enabled {
			continue
		}
		usage, err := s.store.Usage(ctx, clientID, quota.Endpoint, quota)
		if err != nil {
			s.log.Warn(ctx, "usage unavailable for endpoint",
				logger.String("endpoint", quota.Endpoint),
				logger.Any("error", err.Error()),
			)
			continue
		}
		out[quota.Endpoint] = *usage
	}
	return out, nil
}

// ResetLimits clears counters and cached decisions for a client. Empty
// endpoint resets everything the client has.
func (s *LimiterService) ResetLimits(ctx context.Context, clientID, endpoint string) error {
	if err := s.store.Reset(ctx, clientID, endpoint); err != nil {
		return err
	}
	endpoints := []string{endpoint}
	if endpoint == "" {
		endpoints = endpoints[:0]
		for _, q := range s.cfg.Endpoints {
			endpoints = append(endpoints, q.Endpoint)
		}
	}
	for _, ep := range endpoints {
		if err := s.cache.Delete(ctx, redis.Key(clientID, ep)); err != nil {
			s.log.Warn(ctx, "failed to drop cached decision",
				logger.String("endpoint", ep), logger.Any("error", err.Error()))
		}
		s.memory.Reset(clientID, ep)
	}
	s.log.Info(ctx, "limits reset",
		logger.String("client_id", clientID), logger.String("endpoint", endpoint))
	return nil
}

// GetSystemStatus reports tier health and the strategy new requests get.
func (s *LimiterService) GetSystemStatus(ctx context.Context) models.SystemStatus {
	snapshot := s.monitor.Snapshot(ctx)
	return models.SystemStatus{
		Tiers:    snapshot,
		Strategy: models.SelectStrategy(snapshot).String(),
	}
}

// PerformMaintenance runs the periodic chores: reclaim expired counter
// rows, flush the analytics buffer, and re-run health checks. Chores run
// concurrently and independently; one failing does not stop the others.
func (s *LimiterService) PerformMaintenance(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := s.store.CleanupExpired(gctx)
		return err
	})
	g.Go(func() error {
		return s.sink.Flush(gctx)
	})
	g.Go(func() error {
		s.monitor.Refresh(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		s.log.Warn(ctx, "maintenance finished with errors", logger.Any("error", err.Error()))
		return err
	}
	return nil
}

// recordUsage queues one analytics event; never blocks the decision.
func (s *LimiterService) recordUsage(clientID, endpoint string, strategy models.Strategy, d *models.Decision, admitted bool) {
	event := models.UsageEvent{
		ClientID:  clientID,
		Endpoint:  endpoint,
		Admitted:  admitted,
		Strategy:  strategy.String(),
		Timestamp: s.now(),
	}
	if d != nil {
		event.Current = d.Current
		event.Max = d.Max
	}
	s.sink.Record(event)
}

// publishViolation emits a best-effort violation event. The authoritative
// store already persisted its own violation row inside the rejecting
// transaction; this is the broker-facing copy.
func (s *LimiterService) publishViolation(clientID, endpoint string, quota models.QuotaConfig, qe *errors.QuotaExceededError) {
	vt := models.ClassifyViolation(qe.Current, qe.Max)
	s.metrics.RecordViolation(vt)
	if s.publisher == nil {
		return
	}
	v := models.ViolationRecord{
		ClientID:      clientID,
		Endpoint:      endpoint,
		ViolationType: vt,
		CurrentCount:  qe.Current,
		LimitExceeded: qe.Max,
		WindowSeconds: int64(quota.Window / time.Second),
		Timestamp:     s.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.publisher.Publish(ctx, v)
	}()
}
