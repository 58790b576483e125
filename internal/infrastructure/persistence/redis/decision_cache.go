package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/pkg/constants"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

const decisionKeyPrefix = "throttle:decision"

// DecisionCache memoizes recent admit/deny decisions in redis under a short
// TTL. Entries are advisory: the orchestrator optimistically increments the
// cached count on a hit without re-consulting the authoritative store, so a
// concurrent burst inside the TTL can over- or under-count slightly. That is
// the documented latency-for-consistency trade.
type DecisionCache struct {
	conn *RedisConnection
	log  logger.Logger
}

var _ service.DecisionCache = (*DecisionCache)(nil)

// NewDecisionCache creates the redis-backed decision cache.
func NewDecisionCache(conn *RedisConnection, log logger.Logger) *DecisionCache {
	return &DecisionCache{conn: conn, log: log.WithComponent("decision_cache")}
}

// Key builds the cache key for a (client, endpoint) pair.
func Key(clientID, endpoint string) string {
	return fmt.Sprintf("%s:%s:%s", decisionKeyPrefix, clientID, endpoint)
}

// Get implements service.DecisionCache. A miss returns (nil, nil).
func (c *DecisionCache) Get(ctx context.Context, key string) (*models.CachedDecision, error) {
	raw, err := c.conn.Client.Get(ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, errors.ErrTierUnavailable(string(constants.TierCache), err)
	}

	var decision models.CachedDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		// A corrupt entry is treated as a miss; it will be overwritten.
		c.log.Warn(ctx, "dropping unreadable cached decision", logger.String("key", key))
		return nil, nil
	}
	return &decision, nil
}

// Put implements service.DecisionCache.
func (c *DecisionCache) Put(ctx context.Context, key string, decision *models.CachedDecision, ttl time.Duration) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return errors.ErrInternal("failed to encode decision").WithCause(err)
	}
	if err := c.conn.Client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return errors.ErrTierUnavailable(string(constants.TierCache), err)
	}
	return nil
}

// Delete implements service.DecisionCache.
func (c *DecisionCache) Delete(ctx context.Context, key string) error {
	if err := c.conn.Client.Del(ctx, key).Err(); err != nil && err != goredis.Nil {
		return errors.ErrTierUnavailable(string(constants.TierCache), err)
	}
	return nil
}

// DeleteClient drops every cached decision for a client; used by the
// administrative reset path.
func (c *DecisionCache) DeleteClient(ctx context.Context, clientID string) error {
	pattern := fmt.Sprintf("%s:%s:*", decisionKeyPrefix, clientID)
	iter := c.conn.Client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.conn.Client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.ErrTierUnavailable(string(constants.TierCache), err)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.ErrTierUnavailable(string(constants.TierCache), err)
	}
	return nil
}
