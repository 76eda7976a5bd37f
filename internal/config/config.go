// Package config loads triggerd settings from environment variables.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported DATABASE_DRIVER values.
const (
	DriverPostgres = "postgres" // lib/pq
	DriverPgx      = "pgx"      // jackc/pgx stdlib
	DriverSQLite   = "sqlite"   // modernc.org/sqlite
)

// Config holds all configuration for triggerd.
// Values are loaded from environment variables; see the usage text of the
// config command for the full list.
type Config struct {
	DatabaseDriver string `json:"database_driver"`
	DatabaseURL    string `json:"database_url"`
	RedisAddr      string `json:"redis_addr,omitempty"`
	HTTPAddr       string `json:"http_addr"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	MaterializeInterval    time.Duration `json:"-"`
	MaterializeIntervalStr string        `json:"materialize_interval"`
	HorizonCount           int           `json:"horizon_count"`
	HorizonWindow          time.Duration `json:"-"`
	HorizonWindowStr       string        `json:"horizon_window"`

	DispatchPollInterval      time.Duration `json:"-"`
	DispatchPollIntervalStr   string        `json:"dispatch_poll_interval"`
	DispatcherWorkers         int           `json:"dispatcher_workers"`
	DispatchBatchSize         int           `json:"dispatch_batch_size"`
	DispatchRateLimit         float64       `json:"dispatch_rate_limit"` // requests per second, 0 disables
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	DefaultMaxAttempts       int           `json:"default_max_attempts"`
	DefaultRetryInterval     time.Duration `json:"-"`
	DefaultRetryIntervalStr  string        `json:"default_retry_interval"`
	MaxBackoff               time.Duration `json:"-"`
	MaxBackoffStr            string        `json:"max_backoff"`
	DefaultWebhookTimeout    time.Duration `json:"-"`
	DefaultWebhookTimeoutStr string        `json:"default_webhook_timeout"`
	DefaultTolerance         time.Duration `json:"-"`
	DefaultToleranceStr      string        `json:"default_tolerance"`

	DeleteRetainHistory  bool   `json:"delete_retain_history"`
	WebhookSigningSecret string `json:"webhook_signing_secret,omitempty"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed the longest webhook timeout. The claim is
	// renewed right before each send, so only a send can outlive it.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	// MetricsPort serves metrics on a separate listener when set.
	MetricsPort string `json:"metrics_port,omitempty"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`
	SQLiteBusyTimeout    time.Duration `json:"-"`
	SQLiteBusyTimeoutStr string        `json:"sqlite_busy_timeout"`

	TriggersManifest string `json:"triggers_manifest,omitempty"`

	// loadErrs collects malformed numeric and boolean values seen by Load.
	loadErrs ValidationErrors
}

// durationVar binds a duration variable to its raw and parsed fields.
type durationVar struct {
	env      string
	def      string
	raw      *string
	parsed   *time.Duration
	positive bool
}

func (c *Config) durationVars() []durationVar {
	return []durationVar{
		{"MATERIALIZE_INTERVAL", "5s", &c.MaterializeIntervalStr, &c.MaterializeInterval, true},
		{"HORIZON_WINDOW", "168h", &c.HorizonWindowStr, &c.HorizonWindow, true},
		{"DISPATCH_POLL_INTERVAL", "1s", &c.DispatchPollIntervalStr, &c.DispatchPollInterval, true},
		{"DISPATCHER_DRAIN_TIMEOUT", "30s", &c.DispatcherDrainTimeoutStr, &c.DispatcherDrainTimeout, false},
		{"DEFAULT_RETRY_INTERVAL", "10s", &c.DefaultRetryIntervalStr, &c.DefaultRetryInterval, true},
		{"MAX_BACKOFF", "1h", &c.MaxBackoffStr, &c.MaxBackoff, true},
		{"DEFAULT_WEBHOOK_TIMEOUT", "60s", &c.DefaultWebhookTimeoutStr, &c.DefaultWebhookTimeout, true},
		{"DEFAULT_TOLERANCE", "6h", &c.DefaultToleranceStr, &c.DefaultTolerance, true},
		{"CIRCUIT_BREAKER_COOLDOWN", "2m", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown, true},
		{"RECONCILE_INTERVAL", "1m", &c.ReconcileIntervalStr, &c.ReconcileInterval, true},
		{"RECONCILE_THRESHOLD", "15m", &c.ReconcileThresholdStr, &c.ReconcileThreshold, true},
		{"HTTP_SHUTDOWN_TIMEOUT", "10s", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout, true},
		{"DB_OP_TIMEOUT", "5s", &c.DBOpTimeoutStr, &c.DBOpTimeout, false},
		{"DB_CONN_MAX_LIFETIME", "30m", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime, false},
		{"DB_CONN_MAX_IDLE_TIME", "5m", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime, false},
		{"SQLITE_BUSY_TIMEOUT", "5s", &c.SQLiteBusyTimeoutStr, &c.SQLiteBusyTimeout, false},
	}
}

// Load reads configuration from environment variables with defaults.
// Malformed values fall back to their defaults and are reported by Validate.
func Load() Config {
	cfg := Config{
		DatabaseDriver:       strings.ToLower(getenv("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		HTTPAddr:             os.Getenv("HTTP_ADDR"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		LogFormat:            getenv("LOG_FORMAT", "console"),
		WebhookSigningSecret: os.Getenv("WEBHOOK_SIGNING_SECRET"),
		MetricsPath:          getenv("METRICS_PATH", "/metrics"),
		MetricsPort:          os.Getenv("METRICS_PORT"),
		TriggersManifest:     os.Getenv("TRIGGERS_MANIFEST"),
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.DatabaseURL == "" && cfg.DatabaseDriver == DriverSQLite {
		cfg.DatabaseURL = "triggerd.db"
	}

	cfg.HorizonCount = cfg.intVar("HORIZON_COUNT", 100)
	cfg.DispatcherWorkers = cfg.intVar("DISPATCHER_WORKERS", 4)
	cfg.DispatchBatchSize = cfg.intVar("DISPATCH_BATCH_SIZE", 50)
	cfg.DispatchRateLimit = cfg.floatVar("DISPATCH_RATE_LIMIT", 0)
	cfg.DefaultMaxAttempts = cfg.intVar("DEFAULT_MAX_ATTEMPTS", 5)
	cfg.CircuitBreakerThreshold = cfg.intVar("CIRCUIT_BREAKER_THRESHOLD", 5)
	cfg.ReconcileBatchSize = cfg.intVar("RECONCILE_BATCH_SIZE", 500)
	cfg.DBMaxOpenConns = cfg.intVar("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = cfg.intVar("DB_MAX_IDLE_CONNS", 5)

	cfg.DeleteRetainHistory = cfg.boolVar("DELETE_RETAIN_HISTORY", true)
	cfg.ReconcileEnabled = cfg.boolVar("RECONCILE_ENABLED", true)
	cfg.MetricsEnabled = cfg.boolVar("METRICS_ENABLED", false)

	// Parse durations; validation is handled separately by Validate().
	for _, v := range cfg.durationVars() {
		*v.raw = getenv(v.env, v.def)
		if d, err := time.ParseDuration(*v.raw); err == nil {
			*v.parsed = d
		} else if d, err := time.ParseDuration(v.def); err == nil {
			*v.parsed = d
		}
	}

	return cfg
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (c *Config) intVar(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.loadErrs = append(c.loadErrs, ValidationError{Field: key, Message: "must be an integer, got " + strconv.Quote(raw)})
		return def
	}
	return n
}

func (c *Config) floatVar(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.loadErrs = append(c.loadErrs, ValidationError{Field: key, Message: "must be a number, got " + strconv.Quote(raw)})
		return def
	}
	return f
}

func (c *Config) boolVar(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		c.loadErrs = append(c.loadErrs, ValidationError{Field: key, Message: "must be true or false, got " + strconv.Quote(raw)})
		return def
	}
	return b
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL, c.DatabaseDriver)
	if c.WebhookSigningSecret != "" {
		masked.WebhookSigningSecret = "***"
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a connection string, preserving only the URI scheme if
// present. SQLite paths carry no credentials and are shown as-is.
func maskSecret(s, driver string) string {
	if s == "" {
		return ""
	}
	if driver == DriverSQLite {
		return s
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
