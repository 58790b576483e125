package health

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"gorm.io/gorm"

	"github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/internal/infrastructure/persistence/redis"
)

// probeTimeout bounds each probe round trip so a hung tier cannot stall the
// monitor.
const probeTimeout = 3 * time.Second

// ================================================================================
// Cache tier probe
// ================================================================================

// RedisProber verifies the cache tier with a write-read-delete cycle.
type RedisProber struct {
	conn *redis.RedisConnection
}

var _ service.Prober = (*RedisProber)(nil)

// NewRedisProber creates the cache-tier probe.
func NewRedisProber(conn *redis.RedisConnection) *RedisProber {
	return &RedisProber{conn: conn}
}

// Probe implements service.Prober.
func (p *RedisProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	key := "throttle:healthcheck"
	if err := p.conn.Client.Set(ctx, key, "ok", time.Minute).Err(); err != nil {
		return err
	}
	val, err := p.conn.Client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	if val != "ok" {
		return fmt.Errorf("unexpected probe value %q", val)
	}
	return p.conn.Client.Del(ctx, key).Err()
}

// ================================================================================
// Authoritative store probe
// ================================================================================

// StoreProber verifies the counter store with a trivial read.
type StoreProber struct {
	db *gorm.DB
}

var _ service.Prober = (*StoreProber)(nil)

// NewStoreProber creates the store-tier probe.
func NewStoreProber(db *gorm.DB) *StoreProber {
	return &StoreProber{db: db}
}

// Probe implements service.Prober.
func (p *StoreProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var one int
	return p.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// ================================================================================
// Analytics sink probe
// ================================================================================

// BlobProber verifies the analytics sink by checking its bucket exists.
type BlobProber struct {
	client *minio.Client
	bucket string
}

var _ service.Prober = (*BlobProber)(nil)

// NewBlobProber creates the analytics-tier probe.
func NewBlobProber(client *minio.Client, bucket string) *BlobProber {
	return &BlobProber{client: client, bucket: bucket}
}

// Probe implements service.Prober.
func (p *BlobProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("analytics bucket %q missing", p.bucket)
	}
	return nil
}
