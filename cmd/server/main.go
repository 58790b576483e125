package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	appservice "github.com/fit2garmin/throttle/internal/application/service"
	"github.com/fit2garmin/throttle/internal/config"
	domainsvc "github.com/fit2garmin/throttle/internal/domain/service"
	"github.com/fit2garmin/throttle/internal/infrastructure/analytics"
	"github.com/fit2garmin/throttle/internal/infrastructure/audit"
	"github.com/fit2garmin/throttle/internal/infrastructure/health"
	"github.com/fit2garmin/throttle/internal/infrastructure/monitoring"
	"github.com/fit2garmin/throttle/internal/infrastructure/persistence/postgres"
	"github.com/fit2garmin/throttle/internal/infrastructure/persistence/redis"
	"github.com/fit2garmin/throttle/internal/infrastructure/ratelimit"
	httpiface "github.com/fit2garmin/throttle/internal/interfaces/http"
	"github.com/fit2garmin/throttle/internal/interfaces/http/handlers"
	"github.com/fit2garmin/throttle/internal/interfaces/http/middleware"
	"github.com/fit2garmin/throttle/pkg/constants"
	"github.com/fit2garmin/throttle/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("throttle: %v", err)
	}
}

// run sets up every tier and blocks until shutdown. Failures return up so
// deferred connection teardown always fires.
func run() error {
	startupLogger, err := monitoring.NewZapLogger(&config.LogConfig{Level: "info"})
	if err != nil {
		return fmt.Errorf("startup logger: %w", err)
	}

	cfg := config.LoadConfig(startupLogger)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Authoritative store
	db, err := postgres.NewDBConnection(ctx, &cfg.Database, appLogger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Decision cache / actor bucket storage
	redisConn, err := redis.NewRedisConnection(ctx, &cfg.Redis, appLogger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisConn.Close()

	// Analytics object storage
	blobClient, err := minio.New(cfg.Analytics.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Analytics.AccessKey, cfg.Analytics.SecretKey, ""),
		Secure: cfg.Analytics.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("blob client: %w", err)
	}

	metrics := monitoring.NewMetrics()

	monitor := health.NewMonitor(cfg.Health, metrics, appLogger)
	monitor.Register(constants.TierStore, health.NewStoreProber(db))
	monitor.Register(constants.TierCache, health.NewRedisProber(redisConn))
	monitor.Register(constants.TierAnalytics, health.NewBlobProber(blobClient, cfg.Analytics.Bucket))

	// Counter backend selection. The actor limiter keeps bucket state in
	// redis; the transactional store keeps it in the database.
	var store domainsvc.CounterBackend
	switch cfg.RateLimit.Backend {
	case "actor":
		actors := ratelimit.NewActorLimiter(redisConn, constants.ActorIdleTTL, metrics, appLogger)
		actors.StartEvictionLoop(ctx, constants.ActorIdleTTL/4)
		store = actors
	default:
		store = postgres.NewCounterRepository(db, maxWindow(&cfg.RateLimit), appLogger)
	}

	cache := redis.NewDecisionCache(redisConn, appLogger)
	memory := ratelimit.NewMemoryLimiter(cfg.RateLimit.MemoryMaxEntries)
	sink := analytics.NewBlobSink(blobClient, cfg.Analytics.Bucket, cfg.Analytics.BatchSize, metrics, appLogger)

	var publisher domainsvc.ViolationPublisher
	if cfg.Kafka.Enabled {
		kafkaPublisher := audit.NewKafkaViolationPublisher(cfg.Kafka, appLogger)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	limiterSvc := appservice.NewLimiterService(
		&cfg.RateLimit, store, cache, memory, monitor, sink, publisher, metrics, appLogger,
	)

	dailyRepo := postgres.NewDailyQuotaRepository(db, appLogger)
	passRepo := postgres.NewPassRepository(db, appLogger)
	dailySvc := appservice.NewDailyQuotaService(dailyRepo, passRepo, cfg.Daily.Limit, appLogger)

	statusHandler := handlers.NewStatusHandler(limiterSvc, dailySvc, appLogger)

	router := httpiface.NewRouter(httpiface.RouterDependencies{
		Logger:        appLogger,
		StatusHandler: statusHandler,
		RateLimit:     middleware.RateLimit(limiterSvc, httpiface.EndpointFromRoute, appLogger),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go runMaintenanceLoop(ctx, limiterSvc, appLogger)

	go func() {
		appLogger.Info(ctx, "http server listening", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error(ctx, "http server failed", err)
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "graceful shutdown failed", err)
	}
	if err := sink.Flush(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "final analytics flush failed", err)
	}
	return nil
}

// runMaintenanceLoop triggers expired-bucket cleanup, analytics flushes, and
// forced health probes at a fixed cadence.
func runMaintenanceLoop(ctx context.Context, svc *appservice.LimiterService, log logger.Logger) {
	ticker := time.NewTicker(constants.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.PerformMaintenance(ctx); err != nil {
				log.Warn(ctx, "maintenance cycle had errors", logger.Any("error", err))
			}
		}
	}
}

// maxWindow returns the longest configured endpoint window, which bounds how
// long expired counter rows can stay relevant.
func maxWindow(cfg *config.RateLimitConfig) time.Duration {
	window := constants.DefaultWindow
	for _, q := range cfg.Endpoints {
		if q.Window > window {
			window = q.Window
		}
	}
	return window
}
