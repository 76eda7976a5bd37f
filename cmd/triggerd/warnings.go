package main

import (
	"github.com/rs/zerolog"

	"github.com/djlord-it/triggerd/internal/config"
)

// logConfigWarnings reports settings that are valid but risky in production.
func logConfigWarnings(logger zerolog.Logger, cfg config.Config) {
	if !cfg.ReconcileEnabled {
		logger.Warn().Msg("RECONCILE_ENABLED=false: events claimed by a crashed process stay in_flight until manually requeued")
	}
	if cfg.DatabaseDriver == config.DriverSQLite && cfg.DispatcherWorkers > 1 {
		logger.Info().
			Int("workers", cfg.DispatcherWorkers).
			Msg("DATABASE_DRIVER=sqlite serializes writes; extra dispatcher workers only overlap webhook calls")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		logger.Warn().Msg("CIRCUIT_BREAKER_THRESHOLD=0: failing hosts are retried without pause")
	}
	if !cfg.MetricsEnabled {
		logger.Warn().Msg("METRICS_ENABLED=false: delivery failures are visible only in logs")
	}
	if cfg.WebhookSigningSecret == "" {
		logger.Info().Msg("WEBHOOK_SIGNING_SECRET not set; webhook requests are unsigned")
	}
}
