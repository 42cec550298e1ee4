// Package config loads bot configuration from defaults, an optional file,
// a .env file and BOT_* environment variables, in increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"listing-bot/internal/errors"
	"listing-bot/internal/logger"
)

// EnvPrefix is prepended to every environment override, e.g. BOT_DATABASE_DSN.
const EnvPrefix = "BOT"

// Config is the full bot configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       logger.Config   `mapstructure:"log"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Health    HealthConfig    `mapstructure:"health"`
	Retention RetentionConfig `mapstructure:"retention"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
}

// DatabaseConfig selects the store driver.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite3 or postgres
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig enables Redis-backed locks and analytics cache when Address is set.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig is the HTTP trigger/status surface.
type ServerConfig struct {
	Address          string `mapstructure:"address"`
	TriggerPerMinute int    `mapstructure:"trigger_per_minute"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Maintenance   int           `mapstructure:"maintenance"`
	Reports       int           `mapstructure:"reports"`
	Notifications int           `mapstructure:"notifications"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	LeaseTimeout  time.Duration `mapstructure:"lease_timeout"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
}

// SchedulerConfig controls the cadence loop.
type SchedulerConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	Tick          time.Duration     `mapstructure:"tick"`
	ProbeInterval time.Duration     `mapstructure:"probe_interval"`
	OverlapTTL    time.Duration     `mapstructure:"overlap_ttl"`
	Cadences      map[string]string `mapstructure:"cadences"`
}

// HealthConfig drives scheduler-health-probe and health-check.
type HealthConfig struct {
	ProbePrefix        string        `mapstructure:"probe_prefix"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	StaleRunAfter      time.Duration `mapstructure:"stale_run_after"`
	FailedJobThreshold int           `mapstructure:"failed_job_threshold"`
}

// RetentionConfig holds purge windows used by system-maintenance.
type RetentionConfig struct {
	RunRecords    time.Duration `mapstructure:"run_records"`
	Jobs          time.Duration `mapstructure:"jobs"`
	Notifications time.Duration `mapstructure:"notifications"`
	MetricPoints  time.Duration `mapstructure:"metric_points"`
}

// AnalyticsConfig controls the trend cache.
type AnalyticsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// NotifyConfig configures outbound mail and operator routing.
type NotifyConfig struct {
	SMTPHost       string   `mapstructure:"smtp_host"`
	SMTPPort       int      `mapstructure:"smtp_port"`
	SMTPUsername   string   `mapstructure:"smtp_username"`
	SMTPPassword   string   `mapstructure:"smtp_password"`
	From           string   `mapstructure:"from"`
	OperatorEmails []string `mapstructure:"operator_emails"`
	MailPerMinute  int      `mapstructure:"mail_per_minute"`
}

// CleanupConfig tunes property-cleanup.
type CleanupConfig struct {
	InactiveDays int `mapstructure:"inactive_days"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./listing-bot.db")
	v.SetDefault("database.max_open_conns", 0)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.trigger_per_minute", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("workers.maintenance", 1)
	v.SetDefault("workers.reports", 1)
	v.SetDefault("workers.notifications", 3)
	v.SetDefault("workers.poll_interval", time.Second)
	v.SetDefault("workers.retry_backoff", 10*time.Second)
	v.SetDefault("workers.max_backoff", 5*time.Minute)
	v.SetDefault("workers.lease_timeout", 15*time.Minute)
	v.SetDefault("workers.reap_interval", time.Minute)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick", time.Second)
	v.SetDefault("scheduler.probe_interval", 5*time.Minute)
	v.SetDefault("scheduler.overlap_ttl", 24*time.Hour)
	v.SetDefault("scheduler.cadences", map[string]string{})

	v.SetDefault("health.probe_prefix", "")
	v.SetDefault("health.stale_after", 2*time.Hour)
	v.SetDefault("health.stale_run_after", 6*time.Hour)
	v.SetDefault("health.failed_job_threshold", 0)

	v.SetDefault("retention.run_records", 30*24*time.Hour)
	v.SetDefault("retention.jobs", 7*24*time.Hour)
	v.SetDefault("retention.notifications", 90*24*time.Hour)
	v.SetDefault("retention.metric_points", 400*24*time.Hour)

	v.SetDefault("analytics.cache_ttl", 24*time.Hour)

	v.SetDefault("notify.smtp_host", "")
	v.SetDefault("notify.smtp_port", 587)
	v.SetDefault("notify.smtp_username", "")
	v.SetDefault("notify.smtp_password", "")
	v.SetDefault("notify.from", "bot@listing.local")
	v.SetDefault("notify.operator_emails", []string{})
	v.SetDefault("notify.mail_per_minute", 30)

	v.SetDefault("cleanup.inactive_days", 90)
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and the environment apply.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return errors.WithHint(
			errors.Newf("unsupported database driver %q", c.Database.Driver),
			"use sqlite3 or postgres")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Workers.PollInterval <= 0 || c.Scheduler.Tick <= 0 {
		return errors.New("workers.poll_interval and scheduler.tick must be positive")
	}
	if c.Workers.Maintenance < 0 || c.Workers.Reports < 0 || c.Workers.Notifications < 0 {
		return errors.New("worker counts cannot be negative")
	}
	if c.Health.StaleAfter <= 0 {
		return errors.New("health.stale_after must be positive")
	}
	return nil
}

// WorkerCounts maps queue names to configured worker counts.
func (c *Config) WorkerCounts() map[string]int {
	return map[string]int{
		"maintenance":   c.Workers.Maintenance,
		"reports":       c.Workers.Reports,
		"notifications": c.Workers.Notifications,
	}
}
