package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// PassRepository reads premium passes written by the payment subsystem.
type PassRepository struct {
	db  *gorm.DB
	log logger.Logger
	now func() time.Time
}

func NewPassRepository(db *gorm.DB, log logger.Logger) *PassRepository {
	return &PassRepository{
		db:  db,
		log: log.WithComponent("pass_repository"),
		now: time.Now,
	}
}

// HasActivePass reports whether the client holds an unexpired pass.
func (r *PassRepository) HasActivePass(ctx context.Context, clientID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PremiumPass{}).
		Where("client_id = ? AND expires_at > ?", clientID, r.now()).
		Count(&count).Error
	if err != nil {
		return false, errors.ErrInternal("pass lookup failed").WithCause(err)
	}
	return count > 0, nil
}
