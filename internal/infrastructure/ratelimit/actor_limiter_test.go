package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/internal/infrastructure/persistence/redis"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

func newTestActorLimiter(t *testing.T, idleTTL time.Duration) (*ActorLimiter, *redis.RedisConnection, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	conn := &redis.RedisConnection{Client: client}
	return NewActorLimiter(conn, idleTTL, nil, logger.NewNoopLogger()), conn, mr
}

func TestActorCheck_AdmitsUpToLimitThenRejects(t *testing.T) {
	ctx := context.Background()
	limiter, _, _ := newTestActorLimiter(t, time.Hour)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return at }
	quota := models.QuotaConfig{Endpoint: "convert", MaxRequests: 3, Window: 10 * time.Minute, Enabled: true}

	for i := 1; i <= 3; i++ {
		decision, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), decision.Current)
	}

	_, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
	quotaErr, ok := errors.AsQuotaExceeded(err)
	require.True(t, ok)
	assert.Equal(t, int64(3), quotaErr.Current)
	assert.Equal(t, at.Add(10*time.Minute), quotaErr.ResetTime)
}

func TestActorCheck_WindowSlides(t *testing.T) {
	ctx := context.Background()
	limiter, _, _ := newTestActorLimiter(t, time.Hour)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	limiter.now = func() time.Time { return current }
	quota := models.QuotaConfig{Endpoint: "convert", MaxRequests: 2, Window: 5 * time.Minute, Enabled: true}

	for i := 0; i < 2; i++ {
		_, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
		require.NoError(t, err)
	}
	_, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
	_, ok := errors.AsQuotaExceeded(err)
	require.True(t, ok)

	current = base.Add(6 * time.Minute)
	decision, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), decision.Current)
}

func TestActorCheck_ConcurrentRequestsLoseNoUpdates(t *testing.T) {
	ctx := context.Background()
	limiter, _, _ := newTestActorLimiter(t, time.Hour)
	quota := models.QuotaConfig{Endpoint: "convert", MaxRequests: 100, Window: 10 * time.Minute, Enabled: true}

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	usage, err := limiter.Usage(ctx, "client-1", "convert", quota)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), usage.Used, "serialized actor must count every request exactly once")
}

func TestActorCheck_StatePersistsAcrossProcessRestart(t *testing.T) {
	ctx := context.Background()
	limiter, conn, _ := newTestActorLimiter(t, time.Hour)
	quota := models.QuotaConfig{Endpoint: "convert", MaxRequests: 5, Window: 10 * time.Minute, Enabled: true}

	for i := 0; i < 4; i++ {
		_, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
		require.NoError(t, err)
	}

	// A fresh limiter over the same redis picks up the persisted bucket.
	restarted := NewActorLimiter(conn, time.Hour, nil, logger.NewNoopLogger())
	usage, err := restarted.Usage(ctx, "client-1", "convert", quota)
	require.NoError(t, err)
	assert.Equal(t, int64(4), usage.Used)
}

func TestActorSweep_EvictsIdleActorsAndBuckets(t *testing.T) {
	ctx := context.Background()
	limiter, conn, _ := newTestActorLimiter(t, time.Hour)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	limiter.now = func() time.Time { return current }
	quota := models.QuotaConfig{Endpoint: "convert", MaxRequests: 5, Window: 10 * time.Minute, Enabled: true}

	_, err := limiter.Check(ctx, "idle-client", "convert", quota, nil)
	require.NoError(t, err)

	keys, err := conn.Client.Keys(ctx, "throttle:actor:*").Result()
	require.NoError(t, err)
	require.Len(t, keys, 1)

	// Not yet idle: the sweep must leave the actor alone.
	current = base.Add(30 * time.Minute)
	assert.Zero(t, limiter.Sweep(ctx))

	// Idle past the TTL: actor and redis bucket both go.
	current = base.Add(2 * time.Hour)
	assert.Equal(t, int64(1), limiter.Sweep(ctx))

	keys, err = conn.Client.Keys(ctx, "throttle:actor:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)

	limiter.mu.Lock()
	assert.Empty(t, limiter.actors)
	limiter.mu.Unlock()
}

func TestActorCheck_AfterEvictionStartsFresh(t *testing.T) {
	ctx := context.Background()
	limiter, _, _ := newTestActorLimiter(t, time.Hour)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	limiter.now = func() time.Time { return current }
	quota := models.QuotaConfig{Endpoint: "convert", MaxRequests: 2, Window: 5 * time.Minute, Enabled: true}

	for i := 0; i < 2; i++ {
		_, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
		require.NoError(t, err)
	}

	current = base.Add(3 * time.Hour)
	require.Equal(t, int64(1), limiter.Sweep(ctx))

	decision, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), decision.Current, "a new actor starts with an empty window")
}

func TestActorReset(t *testing.T) {
	ctx := context.Background()
	limiter, _, _ := newTestActorLimiter(t, time.Hour)
	quota := models.QuotaConfig{Endpoint: "convert", MaxRequests: 5, Window: 10 * time.Minute, Enabled: true}

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, "client-1", "convert", quota, nil)
		require.NoError(t, err)
	}
	require.NoError(t, limiter.Reset(ctx, "client-1", "convert"))

	usage, err := limiter.Usage(ctx, "client-1", "convert", quota)
	require.NoError(t, err)
	assert.Zero(t, usage.Used)
}
