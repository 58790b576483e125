package service

import (
	"context"
	"time"

	"github.com/fit2garmin/throttle/internal/domain/models"
	domainsvc "github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/internal/infrastructure/persistence/postgres"
	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// suspiciousFingerprintLimit is how many distinct client keys one IP may
// present within suspiciousWindow before it is flagged.
const (
	suspiciousFingerprintLimit = 3
	suspiciousWindow           = time.Hour
)

// DailyStatus is the day-quota view for one client.
type DailyStatus struct {
	Used           int64         `json:"used"`
	Limit          int64         `json:"limit"`
	Exempt         bool          `json:"exempt"`
	CanProceed     bool          `json:"can_proceed"`
	TimeUntilReset time.Duration `json:"time_until_reset"`
}

// DailyQuotaService enforces the per-calendar-day (UTC) usage ceiling. It
// follows the same upsert-with-transaction pattern as the sliding-window
// store, keyed by day. A client holding an active premium pass bypasses both
// the limit and the usage recording.
type DailyQuotaService struct {
	repo   *postgres.DailyQuotaRepository
	passes domainsvc.PassLookup
	limit  int64
	log    logger.Logger
	now    func() time.Time
}

// NewDailyQuotaService wires the tracker.
func NewDailyQuotaService(repo *postgres.DailyQuotaRepository, passes domainsvc.PassLookup, limit int64, log logger.Logger) *DailyQuotaService {
	return &DailyQuotaService{
		repo:   repo,
		passes: passes,
		limit:  limit,
		log:    log.WithComponent("daily_quota"),
		now:    time.Now,
	}
}

// Check reports whether the client may consume one more daily unit. The
// pass override is consulted before any counting. A flagged IP (too many
// distinct fingerprints inside the hour) is rejected regardless of its own
// usage.
func (s *DailyQuotaService) Check(ctx context.Context, clientID, ip string) (*DailyStatus, error) {
	exempt, err := s.exempt(ctx, clientID)
	if err == nil && exempt {
		return &DailyStatus{Limit: s.limit, Exempt: true, CanProceed: true}, nil
	}
	if err != nil {
		// Pass lookup down: enforce the normal limit rather than deny.
		s.log.Warn(ctx, "pass lookup unavailable, enforcing day limit",
			logger.String("client_id", clientID), logger.Any("error", err.Error()))
	}

	if ip != "" {
		distinct, err := s.repo.DistinctClientsForIP(ctx, ip, s.now().Add(-suspiciousWindow))
		if err != nil {
			return nil, err
		}
		if distinct > suspiciousFingerprintLimit {
			s.log.Warn(ctx, "suspicious fingerprint churn from ip",
				logger.String("ip", ip), logger.Int64("distinct_clients", distinct))
			return nil, &errors.QuotaExceededError{
				Current:    distinct,
				Max:        suspiciousFingerprintLimit,
				ResetTime:  s.now().Add(suspiciousWindow),
				RetryAfter: suspiciousWindow,
			}
		}
	}

	status, err := s.status(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !status.CanProceed {
		return nil, &errors.QuotaExceededError{
			Current:    status.Used,
			Max:        status.Limit,
			ResetTime:  s.now().Add(status.TimeUntilReset),
			RetryAfter: status.TimeUntilReset,
		}
	}
	return status, nil
}

// Record counts one consumed unit. Exempt clients are not recorded at all.
func (s *DailyQuotaService) Record(ctx context.Context, clientID, ip string) error {
	exempt, err := s.exempt(ctx, clientID)
	if err == nil && exempt {
		return nil
	}
	now := s.now()
	_, err = s.repo.Increment(ctx, clientID, ip, models.UTCDay(now), now)
	return err
}

// Status returns the client's current day-quota view without consuming
// anything; backs the public usage endpoint.
func (s *DailyQuotaService) Status(ctx context.Context, clientID string) (*DailyStatus, error) {
	exempt, err := s.exempt(ctx, clientID)
	if err == nil && exempt {
		return &DailyStatus{Limit: s.limit, Exempt: true, CanProceed: true}, nil
	}
	return s.status(ctx, clientID)
}

func (s *DailyQuotaService) status(ctx context.Context, clientID string) (*DailyStatus, error) {
	now := s.now()
	usage, err := s.repo.Get(ctx, clientID, models.UTCDay(now))
	if err != nil {
		return nil, err
	}

	used := int64(0)
	if usage != nil {
		used = usage.Count
	}
	nextMidnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return &DailyStatus{
		Used:           used,
		Limit:          s.limit,
		CanProceed:     used < s.limit,
		TimeUntilReset: nextMidnight.Sub(now.UTC()),
	}, nil
}

func (s *DailyQuotaService) exempt(ctx context.Context, clientID string) (bool, error) {
	if s.passes == nil {
		return false, nil
	}
	return s.passes.HasActivePass(ctx, clientID)
}
