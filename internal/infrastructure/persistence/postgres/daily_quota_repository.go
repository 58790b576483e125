package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/constants"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// DailyQuotaRepository stores per-calendar-day usage counters. Same
// upsert-in-transaction pattern as the sliding-window store, keyed by UTC
// day instead of a rolling window.
type DailyQuotaRepository struct {
	db  *gorm.DB
	log logger.Logger
}

// NewDailyQuotaRepository creates the day-bucket usage store.
func NewDailyQuotaRepository(db *gorm.DB, log logger.Logger) *DailyQuotaRepository {
	return &DailyQuotaRepository{db: db, log: log.WithComponent("daily_quota_store")}
}

// Get returns the client's usage row for a day, or nil when none exists.
func (r *DailyQuotaRepository) Get(ctx context.Context, clientID, day string) (*models.DailyUsage, error) {
	var usage models.DailyUsage
	err := r.db.WithContext(ctx).
		Where("client_id = ? AND day = ?", clientID, day).
		First(&usage).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, errors.ErrTierUnavailable(string(constants.TierStore), err)
	}
	return &usage, nil
}

// Increment bumps the client's counter for the day, creating the row on
// first use, and returns the updated row.
func (r *DailyQuotaRepository) Increment(ctx context.Context, clientID, ip, day string, now time.Time) (*models.DailyUsage, error) {
	var out *models.DailyUsage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.DailyUsage{
			ClientID:  clientID,
			Day:       day,
			IPAddress: ip,
			Count:     1,
			UpdatedAt: now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "client_id"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("daily_usage.count + 1"),
				"updated_at": now,
				"ip_address": ip,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		var updated models.DailyUsage
		if err := tx.Where("client_id = ? AND day = ?", clientID, day).First(&updated).Error; err != nil {
			return err
		}
		out = &updated
		return nil
	})
	if err != nil {
		return nil, errors.ErrTierUnavailable(string(constants.TierStore), err)
	}
	return out, nil
}

// DistinctClientsForIP counts how many different client keys used one IP
// since the cutoff. Feeds the suspicious-activity heuristic.
func (r *DailyQuotaRepository) DistinctClientsForIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.DailyUsage{}).
		Where("ip_address = ? AND updated_at >= ?", ip, since).
		Distinct("client_id").
		Count(&n).Error
	if err != nil {
		return 0, errors.ErrTierUnavailable(string(constants.TierStore), err)
	}
	return n, nil
}
