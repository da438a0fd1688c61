package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Assignment AssignmentConfig `yaml:"assignment" mapstructure:"assignment"`
	Calendar   CalendarConfig   `yaml:"calendar" mapstructure:"calendar"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Outbox     OutboxConfig     `yaml:"outbox" mapstructure:"outbox"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ReadTimeoutSecs int      `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// WeightsConfig holds the scoring factor weights. They must sum to 1.0.
type WeightsConfig struct {
	Availability   float64 `yaml:"availability" mapstructure:"availability"`
	Specialization float64 `yaml:"specialization" mapstructure:"specialization"`
	Workload       float64 `yaml:"workload" mapstructure:"workload"`
	SuccessRate    float64 `yaml:"success_rate" mapstructure:"success_rate"`
}

// AssignmentConfig configures the request-to-provider assignment engine.
type AssignmentConfig struct {
	Weights WeightsConfig `yaml:"weights" mapstructure:"weights"`

	// WeightsFile optionally points at a YAML file of named weight profiles;
	// Profile selects one of them and replaces Weights.
	WeightsFile string `yaml:"weights_file" mapstructure:"weights_file"`
	Profile     string `yaml:"profile" mapstructure:"profile"`

	Threshold                  int `yaml:"threshold" mapstructure:"threshold"`
	MaxAlternates              int `yaml:"max_alternates" mapstructure:"max_alternates"`
	AvailabilityWindowDays     int `yaml:"availability_window_days" mapstructure:"availability_window_days"`
	OracleTimeoutMs            int `yaml:"oracle_timeout_ms" mapstructure:"oracle_timeout_ms"`
	MaxParallel                int `yaml:"max_parallel" mapstructure:"max_parallel"`
	DefaultRecommendationLimit int `yaml:"default_recommendation_limit" mapstructure:"default_recommendation_limit"`
	MaxRecommendationLimit     int `yaml:"max_recommendation_limit" mapstructure:"max_recommendation_limit"`
}

// OracleTimeout returns the per-call oracle read budget.
func (c AssignmentConfig) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutMs) * time.Millisecond
}

// AvailabilityWindow returns the look-ahead window for availability slots.
func (c AssignmentConfig) AvailabilityWindow() time.Duration {
	return time.Duration(c.AvailabilityWindowDays) * 24 * time.Hour
}

// CalendarConfig describes business hours used for after-hours eligibility.
type CalendarConfig struct {
	Timezone          string   `yaml:"timezone" mapstructure:"timezone"`
	BusinessStartHour int      `yaml:"business_start_hour" mapstructure:"business_start_hour"`
	BusinessEndHour   int      `yaml:"business_end_hour" mapstructure:"business_end_hour"`
	WorkDays          []string `yaml:"work_days" mapstructure:"work_days"`
	Holidays          []string `yaml:"holidays" mapstructure:"holidays"`
}

// NotifyConfig configures notification delivery.
type NotifyConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond           float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	RetryMaxAttempts        int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs   int     `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs       int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetTimeoutSecs int     `yaml:"circuit_reset_timeout_secs" mapstructure:"circuit_reset_timeout_secs"`
}

// OutboxConfig configures the assignment event relay.
type OutboxConfig struct {
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	LeaseSecs        int `yaml:"lease_secs" mapstructure:"lease_secs"`
	BaseBackoffSecs  int `yaml:"base_backoff_secs" mapstructure:"base_backoff_secs"`
	MaxBackoffSecs   int `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ASSIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout_secs", 15)
	v.SetDefault("assignment.weights.availability", 0.40)
	v.SetDefault("assignment.weights.specialization", 0.30)
	v.SetDefault("assignment.weights.workload", 0.20)
	v.SetDefault("assignment.weights.success_rate", 0.10)
	v.SetDefault("assignment.threshold", 50)
	v.SetDefault("assignment.max_alternates", 3)
	v.SetDefault("assignment.availability_window_days", 7)
	v.SetDefault("assignment.oracle_timeout_ms", 300)
	v.SetDefault("assignment.max_parallel", 8)
	v.SetDefault("assignment.default_recommendation_limit", 5)
	v.SetDefault("assignment.max_recommendation_limit", 20)
	v.SetDefault("calendar.timezone", "Asia/Kolkata")
	v.SetDefault("calendar.business_start_hour", 9)
	v.SetDefault("calendar.business_end_hour", 18)
	v.SetDefault("calendar.work_days", []string{"mon", "tue", "wed", "thu", "fri", "sat"})
	v.SetDefault("notify.timeout_secs", 10)
	v.SetDefault("notify.rate_per_second", 5.0)
	v.SetDefault("notify.burst", 10)
	v.SetDefault("notify.retry_max_attempts", 3)
	v.SetDefault("notify.retry_initial_backoff_ms", 500)
	v.SetDefault("notify.retry_max_backoff_ms", 5000)
	v.SetDefault("notify.circuit_failure_threshold", 5)
	v.SetDefault("notify.circuit_reset_timeout_secs", 30)
	v.SetDefault("outbox.poll_interval_secs", 2)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.lease_secs", 60)
	v.SetDefault("outbox.base_backoff_secs", 5)
	v.SetDefault("outbox.max_backoff_secs", 900)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for values the given command mode cannot
// run with. Modes: "serve", "assign", "relay", "migrate", "seed". Weight sums
// are validated by the scorer when the engine is built.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "assign", "relay", "migrate", "seed":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for sqlite (file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	a := c.Assignment
	if a.Threshold < 0 || a.Threshold > 100 {
		errs = append(errs, "assignment.threshold must be between 0 and 100")
	}
	if a.MaxAlternates < 0 {
		errs = append(errs, "assignment.max_alternates must be >= 0")
	}
	if a.AvailabilityWindowDays <= 0 {
		errs = append(errs, "assignment.availability_window_days must be > 0")
	}
	if a.OracleTimeoutMs <= 0 {
		errs = append(errs, "assignment.oracle_timeout_ms must be > 0")
	}
	if a.MaxParallel <= 0 {
		errs = append(errs, "assignment.max_parallel must be > 0")
	}
	if a.WeightsFile != "" && a.Profile == "" {
		errs = append(errs, "assignment.profile is required when assignment.weights_file is set")
	}

	cal := c.Calendar
	if cal.BusinessStartHour < 0 || cal.BusinessStartHour > 23 {
		errs = append(errs, "calendar.business_start_hour must be between 0 and 23")
	}
	if cal.BusinessEndHour < 1 || cal.BusinessEndHour > 24 {
		errs = append(errs, "calendar.business_end_hour must be between 1 and 24")
	}
	if cal.BusinessEndHour <= cal.BusinessStartHour {
		errs = append(errs, "calendar.business_end_hour must be after business_start_hour")
	}
	if _, err := time.LoadLocation(cal.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("calendar.timezone %q is not a known location", cal.Timezone))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
