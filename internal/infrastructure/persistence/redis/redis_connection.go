// Package redis provides the cache-tier primitives: connection management
// and the short-TTL decision cache.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fit2garmin/throttle/internal/config"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// RedisConnection wraps the go-redis client with lifecycle management.
type RedisConnection struct {
	Client redis.UniversalClient
}

// NewRedisConnection connects to redis and verifies the connection with a
// ping.
func NewRedisConnection(ctx context.Context, cfg *config.RedisConfig, log logger.Logger) (*RedisConnection, error) {
	if cfg == nil || len(cfg.Addresses) == 0 {
		return nil, errors.ErrInvalidRequest("redis addresses are required")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.ErrInternal("redis ping failed").WithCause(err)
	}

	log.Info(ctx, "redis connection established",
		logger.Any("addresses", cfg.Addresses),
		logger.Int("pool_size", cfg.PoolSize),
	)
	return &RedisConnection{Client: client}, nil
}

// Close releases the connection pool.
func (c *RedisConnection) Close() error {
	return c.Client.Close()
}
