package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/pkg/constants"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// CounterRepository is the authoritative sliding-window counter store.
//
// Each Check runs as a single transaction: expire stale buckets, sum the
// survivors, scale the limit by reputation, then either record a violation
// and reject, or upsert the current bucket and admit. The read-then-upsert
// still has a small race window between concurrent transactions; that
// bounded overcount is an accepted accuracy/availability trade-off. Strict
// per-client serialization is what the actor backend is for.
type CounterRepository struct {
	db        *gorm.DB
	log       logger.Logger
	retention time.Duration
	now       func() time.Time
}

var _ service.CounterBackend = (*CounterRepository)(nil)

// NewCounterRepository creates the store-backed counter. retention bounds
// how far back CleanupExpired keeps rows; it should cover the widest
// configured window.
func NewCounterRepository(db *gorm.DB, retention time.Duration, log logger.Logger) *CounterRepository {
	if retention <= 0 {
		retention = constants.DefaultWindow
	}
	return &CounterRepository{
		db:        db,
		log:       log.WithComponent("counter_store"),
		retention: retention,
		now:       time.Now,
	}
}

// windowAggregate is the summed state of a client's surviving buckets.
type windowAggregate struct {
	Total  int64
	Oldest *time.Time
}

// aggregateWindow sums the surviving buckets and finds the oldest one. The
// oldest bucket is read as a typed column rather than MIN(): aggregate
// expressions carry no declared type under the sqlite test harness, so the
// driver would hand back a string that cannot scan into time.Time.
func (r *CounterRepository) aggregateWindow(tx *gorm.DB, clientID, endpoint string, since *time.Time) (windowAggregate, error) {
	var agg windowAggregate
	q := tx.Model(&models.RequestRecord{}).
		Where("client_id = ? AND endpoint = ?", clientID, endpoint)
	if since != nil {
		q = q.Where("bucket_start >= ?", *since)
	}
	q = q.Session(&gorm.Session{})

	if err := q.Select("COALESCE(SUM(count), 0)").Scan(&agg.Total).Error; err != nil {
		return agg, err
	}
	var oldest []time.Time
	if err := q.Order("bucket_start ASC").Limit(1).Pluck("bucket_start", &oldest).Error; err != nil {
		return agg, err
	}
	if len(oldest) > 0 {
		agg.Oldest = &oldest[0]
	}
	return agg, nil
}

// Check implements service.CounterBackend.
func (r *CounterRepository) Check(
	ctx context.Context,
	clientID, endpoint string,
	quota models.QuotaConfig,
	metadata map[string]string,
) (*models.Decision, error) {
	now := r.now()
	windowStart := now.Add(-quota.Window)
	bucketStart := now.Truncate(constants.BucketGranularity)

	var decision *models.Decision
	var quotaErr *errors.QuotaExceededError

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// (a) reclaim buckets that fell out of the window
		if err := tx.Where("client_id = ? AND endpoint = ? AND bucket_start < ?",
			clientID, endpoint, windowStart).Delete(&models.RequestRecord{}).Error; err != nil {
			return err
		}

		// (b) sum the survivors
		agg, err := r.aggregateWindow(tx, clientID, endpoint, nil)
		if err != nil {
			return err
		}

		// (c) reputation gates the effective limit
		rep, err := r.reputationFor(tx, clientID)
		if err != nil {
			return err
		}
		effective := rep.EffectiveLimit(quota.MaxRequests)

		// (d) reject and log a violation when the window is full
		if agg.Total >= effective {
			resetTime := now.Add(quota.Window)
			if agg.Oldest != nil {
				resetTime = agg.Oldest.Add(quota.Window)
			}
			if err := r.recordViolation(tx, rep, clientID, endpoint, agg.Total, effective, quota, metadata, now); err != nil {
				return err
			}
			quotaErr = &errors.QuotaExceededError{
				Current:    agg.Total,
				Max:        effective,
				ResetTime:  resetTime,
				RetryAfter: resetTime.Sub(now),
			}
			return nil // commit the violation row
		}

		// (e) count this request in the current bucket
		rec := models.RequestRecord{
			ClientID:    clientID,
			Endpoint:    endpoint,
			BucketStart: bucketStart,
			Count:       1,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "client_id"}, {Name: "endpoint"}, {Name: "bucket_start"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count": gorm.Expr("request_records.count + 1"),
			}),
		}).Create(&rec).Error
		if err != nil {
			return err
		}

		oldest := bucketStart
		if agg.Oldest != nil {
			oldest = *agg.Oldest
		}
		decision = &models.Decision{
			Admitted:  true,
			Current:   agg.Total + 1,
			Max:       effective,
			ResetTime: oldest.Add(quota.Window),
		}
		return nil
	})

	if txErr != nil {
		return nil, errors.ErrTierUnavailable(string(constants.TierStore), txErr)
	}
	if quotaErr != nil {
		return nil, quotaErr
	}
	return decision, nil
}

// Usage implements service.CounterBackend.
func (r *CounterRepository) Usage(
	ctx context.Context,
	clientID, endpoint string,
	quota models.QuotaConfig,
) (*models.EndpointUsage, error) {
	now := r.now()
	windowStart := now.Add(-quota.Window)

	agg, err := r.aggregateWindow(r.db.WithContext(ctx), clientID, endpoint, &windowStart)
	if err != nil {
		return nil, errors.ErrTierUnavailable(string(constants.TierStore), err)
	}

	rep, err := r.reputationFor(r.db.WithContext(ctx), clientID)
	if err != nil {
		return nil, errors.ErrTierUnavailable(string(constants.TierStore), err)
	}
	effective := rep.EffectiveLimit(quota.MaxRequests)

	resetTime := now
	if agg.Oldest != nil {
		resetTime = agg.Oldest.Add(quota.Window)
	}
	remaining := effective - agg.Total
	if remaining < 0 {
		remaining = 0
	}
	return &models.EndpointUsage{
		Endpoint:  endpoint,
		Used:      agg.Total,
		Limit:     effective,
		Remaining: remaining,
		ResetTime: resetTime,
	}, nil
}

// Reset implements service.CounterBackend.
func (r *CounterRepository) Reset(ctx context.Context, clientID, endpoint string) error {
	q := r.db.WithContext(ctx).Where("client_id = ?", clientID)
	if endpoint != "" {
		q = q.Where("endpoint = ?", endpoint)
	}
	if err := q.Delete(&models.RequestRecord{}).Error; err != nil {
		return errors.ErrTierUnavailable(string(constants.TierStore), err)
	}
	return nil
}

// CleanupExpired implements service.CounterBackend.
func (r *CounterRepository) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.retention)
	res := r.db.WithContext(ctx).Where("bucket_start < ?", cutoff).Delete(&models.RequestRecord{})
	if res.Error != nil {
		return 0, errors.ErrTierUnavailable(string(constants.TierStore), res.Error)
	}
	if res.RowsAffected > 0 {
		r.log.Debug(ctx, "expired counter rows reclaimed", logger.Int64("rows", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// reputationFor reads a client's reputation, defaulting to full trust when
// no row exists. The admission path never writes reputation.
func (r *CounterRepository) reputationFor(tx *gorm.DB, clientID string) (*models.ClientReputation, error) {
	var rep models.ClientReputation
	err := tx.Where("client_id = ?", clientID).First(&rep).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.NewClientReputation(clientID), nil
		}
		return nil, err
	}
	return &rep, nil
}

// recordViolation appends to the violation log and worsens the client's
// reputation inside the same transaction as the rejecting check.
func (r *CounterRepository) recordViolation(
	tx *gorm.DB,
	rep *models.ClientReputation,
	clientID, endpoint string,
	current, limit int64,
	quota models.QuotaConfig,
	metadata map[string]string,
	now time.Time,
) error {
	meta, _ := json.Marshal(metadata)
	v := models.ViolationRecord{
		ID:            uuid.NewString(),
		ClientID:      clientID,
		Endpoint:      endpoint,
		ViolationType: models.ClassifyViolation(current, limit),
		CurrentCount:  current,
		LimitExceeded: limit,
		WindowSeconds: int64(quota.Window / time.Second),
		Timestamp:     now,
		Metadata:      string(meta),
	}
	if err := tx.Create(&v).Error; err != nil {
		return err
	}

	rep.ApplyViolation(v.ViolationType, now)
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		UpdateAll: true,
	}).Create(rep).Error
}

// RecentViolations returns the newest entries of the violation log for a
// client; used by operators and the security layer.
func (r *CounterRepository) RecentViolations(ctx context.Context, clientID string, limit int) ([]models.ViolationRecord, error) {
	var out []models.ViolationRecord
	err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errors.ErrTierUnavailable(string(constants.TierStore), err)
	}
	return out, nil
}
