package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/djlord-it/triggerd/internal/logging"
)

// maxWebhookTimeout mirrors the largest per-trigger timeout the admin API accepts.
const maxWebhookTimeout = 600 * time.Second

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	errs := append(ValidationErrors(nil), cfg.loadErrs...)
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.DatabaseDriver {
	case DriverPostgres, DriverPgx:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required")
		}
	case DriverSQLite:
	default:
		add("DATABASE_DRIVER", "must be 'postgres', 'pgx' or 'sqlite', got %q", cfg.DatabaseDriver)
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		add("LOG_LEVEL", "%v", err)
	}
	if _, err := logging.ParseFormat(cfg.LogFormat); err != nil {
		add("LOG_FORMAT", "%v", err)
	}

	for _, v := range cfg.durationVars() {
		if *v.raw == "" {
			continue
		}
		d, err := time.ParseDuration(*v.raw)
		if err != nil {
			add(v.env, "invalid duration: %v", err)
			continue
		}
		if v.positive && d <= 0 {
			add(v.env, "must be positive")
		} else if d < 0 {
			add(v.env, "must not be negative")
		}
	}

	positive := []struct {
		field string
		value int
	}{
		{"HORIZON_COUNT", cfg.HorizonCount},
		{"DISPATCHER_WORKERS", cfg.DispatcherWorkers},
		{"DISPATCH_BATCH_SIZE", cfg.DispatchBatchSize},
		{"DEFAULT_MAX_ATTEMPTS", cfg.DefaultMaxAttempts},
		{"RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize},
		{"DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add(p.field, "must be a positive integer, got %d", p.value)
		}
	}
	if cfg.DBMaxIdleConns < 0 {
		add("DB_MAX_IDLE_CONNS", "must not be negative")
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative (0 disables)")
	}
	if cfg.DispatchRateLimit < 0 {
		add("DISPATCH_RATE_LIMIT", "must not be negative (0 disables)")
	}

	if cfg.DefaultWebhookTimeout > maxWebhookTimeout {
		add("DEFAULT_WEBHOOK_TIMEOUT", "must be at most %s", maxWebhookTimeout)
	}
	if cfg.ReconcileEnabled && cfg.ReconcileThreshold > 0 && cfg.ReconcileThreshold <= maxWebhookTimeout {
		add("RECONCILE_THRESHOLD", "must exceed the maximum webhook timeout (%s)", maxWebhookTimeout)
	}

	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		add("METRICS_PATH", "must start with '/', got %q", cfg.MetricsPath)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
