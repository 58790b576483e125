package config

import (
	"fmt"
	"time"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/constants"
)

// Config holds the application's configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Health    HealthConfig    `mapstructure:"health"`
	Daily     DailyConfig     `mapstructure:"daily"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxConns        int    `mapstructure:"max_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime"` // minutes
}

// GetDSN builds the postgres connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addresses    []string `mapstructure:"addresses"`
	Password     string   `mapstructure:"password"`
	DB           int      `mapstructure:"db"`
	PoolSize     int      `mapstructure:"pool_size"`
	MinIdleConns int      `mapstructure:"min_idle_conns"`
}

type AnalyticsConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	BatchSize int    `mapstructure:"batch_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RateLimitConfig struct {
	// Backend selects the counter mechanism: "transactional" runs the
	// multi-statement store, "actor" the single-writer limiter.
	Backend          string               `mapstructure:"backend"`
	CacheTTL         time.Duration        `mapstructure:"cache_ttl"`
	MemoryMaxEntries int                  `mapstructure:"memory_max_entries"`
	Endpoints        []models.QuotaConfig `mapstructure:"endpoints"`
}

type HealthConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	RecoveryThreshold int           `mapstructure:"recovery_threshold"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	CircuitTimeout    time.Duration `mapstructure:"circuit_timeout"`
}

type DailyConfig struct {
	Limit int64 `mapstructure:"limit"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// QuotaFor returns the endpoint's quota, or the hard-coded default when the
// endpoint is not configured.
func (c *RateLimitConfig) QuotaFor(endpoint string) models.QuotaConfig {
	for _, q := range c.Endpoints {
		if q.Endpoint == endpoint {
			return q
		}
	}
	return models.DefaultQuota(endpoint)
}

// Validate checks essential configuration values.
func (c *Config) Validate() error {
	if c.RateLimit.Backend != "transactional" && c.RateLimit.Backend != "actor" {
		return fmt.Errorf("rate_limit.backend must be %q or %q, got %q",
			"transactional", "actor", c.RateLimit.Backend)
	}
	for _, q := range c.RateLimit.Endpoints {
		if q.MaxRequests <= 0 || q.Window <= 0 {
			return fmt.Errorf("endpoint %q: max_requests and window must be positive", q.Endpoint)
		}
	}
	if c.Health.FailureThreshold <= c.Health.RecoveryThreshold {
		return fmt.Errorf("health.failure_threshold must exceed health.recovery_threshold")
	}
	return nil
}

// DefaultEndpoints is the hard-coded quota table applied when the config
// source is unavailable. Entries mirror the public API surface.
func DefaultEndpoints() []models.QuotaConfig {
	return []models.QuotaConfig{
		{Endpoint: "upload", MaxRequests: 20, Window: 300 * time.Second, BurstAllowance: 5, Enabled: true},
		{Endpoint: "validate", MaxRequests: 30, Window: 300 * time.Second, BurstAllowance: 5, Enabled: true},
		{Endpoint: "convert", MaxRequests: 10, Window: 600 * time.Second, BurstAllowance: 2, Enabled: true},
		{Endpoint: "download", MaxRequests: 60, Window: 300 * time.Second, BurstAllowance: 10, Enabled: true},
		{Endpoint: "usage", MaxRequests: 120, Window: 300 * time.Second, BurstAllowance: 20, Enabled: true},
	}
}

// Defaults returns the full fallback configuration used when the config
// source cannot be read.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, ReadTimeout: 10, WriteTimeout: 10},
		Database: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "throttle", Database: "throttle",
			SSLMode: "disable", MaxConns: 10, MaxConnLifetime: 30,
		},
		Redis:     RedisConfig{Addresses: []string{"localhost:6379"}, PoolSize: 10},
		Analytics: AnalyticsConfig{Bucket: "throttle-analytics", BatchSize: 100},
		Kafka:     KafkaConfig{Topic: "throttle.violations"},
		RateLimit: RateLimitConfig{
			Backend:          "transactional",
			CacheTTL:         constants.DecisionCacheTTL,
			MemoryMaxEntries: 10000,
			Endpoints:        DefaultEndpoints(),
		},
		Health: HealthConfig{
			FailureThreshold:  constants.HealthFailureThreshold,
			RecoveryThreshold: constants.HealthRecoveryThreshold,
			CheckInterval:     constants.HealthCheckInterval,
			CircuitTimeout:    constants.CircuitBreakerTimeout,
		},
		Daily: DailyConfig{Limit: constants.DailyQuotaLimit},
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}
