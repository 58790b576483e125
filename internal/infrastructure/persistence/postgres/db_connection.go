// Package postgres implements the authoritative counter store on a
// transactional relational database via gorm.
package postgres

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fit2garmin/throttle/internal/config"
	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// NewDBConnection opens the postgres connection pool and runs migrations
// for the three logical tables the store owns (request counters, reputation,
// violations) plus the daily usage table.
func NewDBConnection(ctx context.Context, cfg *config.DatabaseConfig, log logger.Logger) (*gorm.DB, error) {
	if cfg == nil {
		return nil, errors.ErrInvalidRequest("database config is required")
	}

	log.Info(ctx, "initializing postgres connection pool",
		logger.String("host", cfg.Host),
		logger.Int("port", cfg.Port),
		logger.String("database", cfg.Database),
		logger.Int("max_conns", cfg.MaxConns),
	)

	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.ErrInternal("failed to open database").WithCause(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.ErrInternal("failed to access connection pool").WithCause(err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxConnLifetime) * time.Minute)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the store's tables. Exposed separately so
// tests can run it against an in-memory database.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.RequestRecord{},
		&models.ClientReputation{},
		&models.ViolationRecord{},
		&models.DailyUsage{},
		&models.PremiumPass{},
	)
	if err != nil {
		return errors.ErrInternal("migration failed").WithCause(err)
	}
	return nil
}
