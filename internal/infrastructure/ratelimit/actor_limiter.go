// Package ratelimit provides the counter backends that do not live in the
// transactional store: the actor-based limiter and the process-local
// memory tier.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/internal/infrastructure/monitoring"
	"github.com/fit2garmin/throttle/internal/infrastructure/persistence/redis"
	"github.com/fit2garmin/throttle/pkg/constants"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

const actorKeyPrefix = "throttle:actor"

// mailboxSize bounds how many requests may queue per client before the
// limiter reports backpressure instead of blocking unrelated clients.
const mailboxSize = 128

// ActorLimiter is a counter backend that serializes all checks for one
// client through a single goroutine instead of relying on transactional
// isolation. Atomicity holds by construction: one message at a time per
// client, so no lost updates are possible within a client.
//
// Buckets are persisted to redis on every mutating operation and evicted
// from both the in-memory index and redis once idle beyond idleTTL.
type ActorLimiter struct {
	mu      sync.Mutex
	actors  map[string]*clientActor
	conn    *redis.RedisConnection
	idleTTL time.Duration
	metrics *monitoring.Metrics
	log     logger.Logger
	now     func() time.Time
}

var _ service.CounterBackend = (*ActorLimiter)(nil)

// NewActorLimiter creates the actor-based backend.
func NewActorLimiter(conn *redis.RedisConnection, idleTTL time.Duration, metrics *monitoring.Metrics, log logger.Logger) *ActorLimiter {
	if idleTTL <= 0 {
		idleTTL = constants.ActorIdleTTL
	}
	return &ActorLimiter{
		actors:  make(map[string]*clientActor),
		conn:    conn,
		idleTTL: idleTTL,
		metrics: metrics,
		log:     log.WithComponent("actor_limiter"),
		now:     time.Now,
	}
}

// ================================================================================
// Messages
// ================================================================================

type actorRequest struct {
	kind     msgKind
	ctx      context.Context
	endpoint string
	quota    models.QuotaConfig
	reply    chan actorReply
}

type msgKind int

const (
	msgCheck msgKind = iota
	msgUsage
	msgReset
	msgEvictIfIdle
)

type actorReply struct {
	decision *models.Decision
	usage    *models.EndpointUsage
	evicted  bool
	err      error
}

// ================================================================================
// Public API
// ================================================================================

// Check implements service.CounterBackend.
func (l *ActorLimiter) Check(
	ctx context.Context,
	clientID, endpoint string,
	quota models.QuotaConfig,
	metadata map[string]string,
) (*models.Decision, error) {
	reply, err := l.send(ctx, clientID, actorRequest{kind: msgCheck, ctx: ctx, endpoint: endpoint, quota: quota})
	if err != nil {
		return nil, err
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return reply.decision, nil
}

// Usage implements service.CounterBackend.
func (l *ActorLimiter) Usage(
	ctx context.Context,
	clientID, endpoint string,
	quota models.QuotaConfig,
) (*models.EndpointUsage, error) {
	reply, err := l.send(ctx, clientID, actorRequest{kind: msgUsage, ctx: ctx, endpoint: endpoint, quota: quota})
	if err != nil {
		return nil, err
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return reply.usage, nil
}

// Reset implements service.CounterBackend. Empty endpoint clears every
// bucket the client owns.
func (l *ActorLimiter) Reset(ctx context.Context, clientID, endpoint string) error {
	reply, err := l.send(ctx, clientID, actorRequest{kind: msgReset, ctx: ctx, endpoint: endpoint})
	if err != nil {
		return err
	}
	return reply.err
}

// CleanupExpired implements service.CounterBackend by running one eviction
// sweep.
func (l *ActorLimiter) CleanupExpired(ctx context.Context) (int64, error) {
	return l.Sweep(ctx), nil
}

// Sweep evicts every actor idle beyond the TTL, removing its buckets from
// redis as well. Returns the number of actors evicted.
func (l *ActorLimiter) Sweep(ctx context.Context) int64 {
	l.mu.Lock()
	candidates := make([]*clientActor, 0, len(l.actors))
	for _, a := range l.actors {
		candidates = append(candidates, a)
	}
	l.mu.Unlock()

	var evicted int64
	for _, a := range candidates {
		reply, err := l.deliver(ctx, a, actorRequest{kind: msgEvictIfIdle, ctx: ctx})
		if err != nil || !reply.evicted {
			continue
		}
		l.mu.Lock()
		if l.actors[a.clientID] == a {
			delete(l.actors, a.clientID)
			close(a.mailbox)
		}
		l.mu.Unlock()
		evicted++
	}
	if evicted > 0 {
		l.metrics.RecordActorEvictions(evicted)
		l.log.Info(ctx, "idle actors evicted", logger.Int64("count", evicted))
	}
	return evicted
}

// StartEvictionLoop runs Sweep every interval until ctx is cancelled. The
// timer re-arms itself after each sweep so sweeps never overlap.
func (l *ActorLimiter) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	go func() {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				l.Sweep(ctx)
				timer.Reset(interval)
			}
		}
	}()
}

// ================================================================================
// Dispatch
// ================================================================================

func (l *ActorLimiter) send(ctx context.Context, clientID string, req actorRequest) (actorReply, error) {
	l.mu.Lock()
	a, ok := l.actors[clientID]
	if !ok {
		a = newClientActor(l, clientID)
		l.actors[clientID] = a
		go a.run()
	}
	l.mu.Unlock()
	return l.deliver(ctx, a, req)
}

// deliver enqueues under the registry lock so a send can never race the
// mailbox close performed by Sweep.
func (l *ActorLimiter) deliver(ctx context.Context, a *clientActor, req actorRequest) (actorReply, error) {
	req.reply = make(chan actorReply, 1)
	l.mu.Lock()
	if l.actors[a.clientID] != a {
		l.mu.Unlock()
		return actorReply{}, errors.ErrTierUnavailable(string(constants.TierStore),
			fmt.Errorf("actor for client %s was evicted", a.clientID))
	}
	select {
	case a.mailbox <- req:
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		return actorReply{}, errors.ErrTierUnavailable(string(constants.TierStore),
			fmt.Errorf("actor mailbox full for client %s", a.clientID))
	}
	select {
	case reply := <-req.reply:
		return reply, nil
	case <-ctx.Done():
		return actorReply{}, errors.ErrTierUnavailable(string(constants.TierStore), ctx.Err())
	}
}

// ================================================================================
// Actor
// ================================================================================

type clientActor struct {
	limiter    *ActorLimiter
	clientID   string
	mailbox    chan actorRequest
	buckets    map[string]*models.ActorBucket
	lastUpdate time.Time
}

func newClientActor(l *ActorLimiter, clientID string) *clientActor {
	return &clientActor{
		limiter:    l,
		clientID:   clientID,
		mailbox:    make(chan actorRequest, mailboxSize),
		buckets:    make(map[string]*models.ActorBucket),
		lastUpdate: l.now(),
	}
}

// run processes the mailbox one message at a time. This loop is the only
// code that ever touches the actor's buckets.
func (a *clientActor) run() {
	for req := range a.mailbox {
		switch req.kind {
		case msgCheck:
			decision, err := a.handleCheck(req.ctx, req.endpoint, req.quota)
			req.reply <- actorReply{decision: decision, err: err}
		case msgUsage:
			usage, err := a.handleUsage(req.ctx, req.endpoint, req.quota)
			req.reply <- actorReply{usage: usage, err: err}
		case msgReset:
			req.reply <- actorReply{err: a.handleReset(req.ctx, req.endpoint)}
		case msgEvictIfIdle:
			evicted := a.handleEvictIfIdle(req.ctx)
			req.reply <- actorReply{evicted: evicted}
			if evicted {
				// The registry closes the mailbox; drain remaining
				// senders so nobody blocks on a dead actor.
				for pending := range a.mailbox {
					pending.reply <- actorReply{err: errors.ErrTierUnavailable(
						string(constants.TierStore), fmt.Errorf("actor evicted"))}
				}
				return
			}
		}
	}
}

func (a *clientActor) handleCheck(ctx context.Context, endpoint string, quota models.QuotaConfig) (*models.Decision, error) {
	now := a.limiter.now()
	bucket, err := a.loadBucket(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	bucket.Trim(now.Add(-quota.Window))

	if int64(len(bucket.Requests)) >= quota.MaxRequests {
		resetTime := bucket.Oldest().Add(quota.Window)
		bucket.ResetTime = resetTime
		bucket.LastUpdate = now
		a.lastUpdate = now
		if err := a.persistBucket(ctx, endpoint, bucket); err != nil {
			return nil, err
		}
		return nil, &errors.QuotaExceededError{
			Current:    int64(len(bucket.Requests)),
			Max:        quota.MaxRequests,
			ResetTime:  resetTime,
			RetryAfter: resetTime.Sub(now),
		}
	}

	bucket.Requests = append(bucket.Requests, now)
	bucket.LastUpdate = now
	bucket.ResetTime = bucket.Oldest().Add(quota.Window)
	a.lastUpdate = now
	if err := a.persistBucket(ctx, endpoint, bucket); err != nil {
		return nil, err
	}

	return &models.Decision{
		Admitted:  true,
		Current:   int64(len(bucket.Requests)),
		Max:       quota.MaxRequests,
		ResetTime: bucket.ResetTime,
	}, nil
}

func (a *clientActor) handleUsage(ctx context.Context, endpoint string, quota models.QuotaConfig) (*models.EndpointUsage, error) {
	now := a.limiter.now()
	bucket, err := a.loadBucket(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	bucket.Trim(now.Add(-quota.Window))

	used := int64(len(bucket.Requests))
	remaining := quota.MaxRequests - used
	if remaining < 0 {
		remaining = 0
	}
	resetTime := now
	if used > 0 {
		resetTime = bucket.Oldest().Add(quota.Window)
	}
	return &models.EndpointUsage{
		Endpoint:  endpoint,
		Used:      used,
		Limit:     quota.MaxRequests,
		Remaining: remaining,
		ResetTime: resetTime,
	}, nil
}

func (a *clientActor) handleReset(ctx context.Context, endpoint string) error {
	if endpoint != "" {
		delete(a.buckets, endpoint)
		return a.deleteBucketKeys(ctx, endpoint)
	}
	a.buckets = make(map[string]*models.ActorBucket)
	return a.deleteBucketKeys(ctx, "*")
}

func (a *clientActor) handleEvictIfIdle(ctx context.Context) bool {
	if a.limiter.now().Sub(a.lastUpdate) < a.limiter.idleTTL {
		return false
	}
	if err := a.deleteBucketKeys(ctx, "*"); err != nil {
		a.limiter.log.Warn(ctx, "failed to delete evicted actor buckets",
			logger.String("client_id", a.clientID), logger.Any("error", err.Error()))
	}
	return true
}

// ================================================================================
// Persistence
// ================================================================================

func (a *clientActor) bucketKey(endpoint string) string {
	return fmt.Sprintf("%s:%s:%s", actorKeyPrefix, a.clientID, endpoint)
}

func (a *clientActor) loadBucket(ctx context.Context, endpoint string) (*models.ActorBucket, error) {
	if b, ok := a.buckets[endpoint]; ok {
		return b, nil
	}

	raw, err := a.limiter.conn.Client.Get(ctx, a.bucketKey(endpoint)).Result()
	if err != nil && err != goredis.Nil {
		return nil, errors.ErrTierUnavailable(string(constants.TierStore), err)
	}

	bucket := &models.ActorBucket{}
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(raw), bucket); jsonErr != nil {
			bucket = &models.ActorBucket{}
		}
	}
	a.buckets[endpoint] = bucket
	return bucket, nil
}

func (a *clientActor) persistBucket(ctx context.Context, endpoint string, bucket *models.ActorBucket) error {
	raw, err := json.Marshal(bucket)
	if err != nil {
		return errors.ErrInternal("failed to encode actor bucket").WithCause(err)
	}
	err = a.limiter.conn.Client.Set(ctx, a.bucketKey(endpoint), raw, a.limiter.idleTTL).Err()
	if err != nil {
		return errors.ErrTierUnavailable(string(constants.TierStore), err)
	}
	return nil
}

func (a *clientActor) deleteBucketKeys(ctx context.Context, endpoint string) error {
	pattern := a.bucketKey(endpoint)
	iter := a.limiter.conn.Client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := a.limiter.conn.Client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.ErrTierUnavailable(string(constants.TierStore), err)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.ErrTierUnavailable(string(constants.TierStore), err)
	}
	return nil
}
