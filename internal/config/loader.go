package config

import (
	"context"
	"strings"

	"github.com/spf13/viper"

	"github.com/fit2garmin/throttle/pkg/errors"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// LoadConfig loads configuration from file and environment variables. An
// unreadable or invalid config source is not fatal: the hard-coded defaults
// apply and the condition is logged.
func LoadConfig(log logger.Logger) *Config {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/throttle/")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn(context.Background(), "config source unavailable, using defaults",
				logger.Any("error", errors.ErrConfigUnavailable(err).Error()))
			return Defaults()
		}
	}

	v.SetEnvPrefix("THROTTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Warn(context.Background(), "config unmarshal failed, using defaults",
			logger.Any("error", errors.ErrConfigUnavailable(err).Error()))
		return Defaults()
	}
	if len(cfg.RateLimit.Endpoints) == 0 {
		cfg.RateLimit.Endpoints = DefaultEndpoints()
	}
	if err := cfg.Validate(); err != nil {
		log.Warn(context.Background(), "config invalid, using defaults",
			logger.Any("error", errors.ErrConfigUnavailable(err).Error()))
		return Defaults()
	}

	return &cfg
}

func setDefaults(v *viper.Viper) {
	def := Defaults()
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("database.host", def.Database.Host)
	v.SetDefault("database.port", def.Database.Port)
	v.SetDefault("database.user", def.Database.User)
	v.SetDefault("database.database", def.Database.Database)
	v.SetDefault("database.ssl_mode", def.Database.SSLMode)
	v.SetDefault("database.max_conns", def.Database.MaxConns)
	v.SetDefault("database.max_conn_lifetime", def.Database.MaxConnLifetime)
	v.SetDefault("redis.addresses", def.Redis.Addresses)
	v.SetDefault("redis.pool_size", def.Redis.PoolSize)
	v.SetDefault("analytics.bucket", def.Analytics.Bucket)
	v.SetDefault("analytics.batch_size", def.Analytics.BatchSize)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", def.Kafka.Topic)
	v.SetDefault("rate_limit.backend", def.RateLimit.Backend)
	v.SetDefault("rate_limit.cache_ttl", def.RateLimit.CacheTTL)
	v.SetDefault("rate_limit.memory_max_entries", def.RateLimit.MemoryMaxEntries)
	v.SetDefault("health.failure_threshold", def.Health.FailureThreshold)
	v.SetDefault("health.recovery_threshold", def.Health.RecoveryThreshold)
	v.SetDefault("health.check_interval", def.Health.CheckInterval)
	v.SetDefault("health.circuit_timeout", def.Health.CircuitTimeout)
	v.SetDefault("daily.limit", def.Daily.Limit)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
}
