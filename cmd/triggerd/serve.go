package main

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"
	"golang.org/x/time/rate"

	"github.com/djlord-it/triggerd/internal/admin"
	"github.com/djlord-it/triggerd/internal/analytics"
	"github.com/djlord-it/triggerd/internal/api"
	"github.com/djlord-it/triggerd/internal/circuitbreaker"
	"github.com/djlord-it/triggerd/internal/config"
	"github.com/djlord-it/triggerd/internal/cron"
	"github.com/djlord-it/triggerd/internal/dispatcher"
	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/logging"
	"github.com/djlord-it/triggerd/internal/materializer"
	"github.com/djlord-it/triggerd/internal/metrics"
	"github.com/djlord-it/triggerd/internal/reconciler"
	"github.com/djlord-it/triggerd/internal/transport/channel"
)

// loadConfig loads and validates the configuration and installs the logger.
func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return cfg, zerolog.Nop(), cli.NewExitError("configuration error: "+err.Error(), exitInvalidConfig)
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, zerolog.Nop(), cli.NewExitError(err.Error(), exitInvalidConfig)
	}
	return cfg, logger, nil
}

func defaultRetry(cfg config.Config) domain.RetryConfig {
	return domain.RetryConfig{
		MaxAttempts:   cfg.DefaultMaxAttempts,
		RetryInterval: cfg.DefaultRetryInterval,
		Timeout:       cfg.DefaultWebhookTimeout,
		Tolerance:     cfg.DefaultTolerance,
	}
}

// engine is the set of long-running components behind one store.
type engine struct {
	materializer *materializer.Materializer
	dispatcher   *dispatcher.Dispatcher
	reconciler   *reconciler.Reconciler // nil when disabled
	service      *admin.Service
	redis        *redis.Client // nil when analytics are disabled
}

// buildEngine wires the components. sink may be nil.
func buildEngine(cfg config.Config, store triggerStore, sink metrics.Sink, logger zerolog.Logger) *engine {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	parser := cron.NewParser()
	wake := channel.NewSignal()

	mat := materializer.New(materializer.Config{
		TickInterval:  cfg.MaterializeInterval,
		HorizonCount:  cfg.HorizonCount,
		HorizonWindow: cfg.HorizonWindow,
	}, store, parser).
		WithNotifier(wake).
		WithMetrics(sink)

	sender := dispatcher.NewHTTPWebhookSender().WithSigningSecret(cfg.WebhookSigningSecret)
	disp := dispatcher.New(dispatcher.Config{
		Workers:      cfg.DispatcherWorkers,
		BatchSize:    cfg.DispatchBatchSize,
		PollInterval: cfg.DispatchPollInterval,
		MaxBackoff:   cfg.MaxBackoff,
		DrainTimeout: cfg.DispatcherDrainTimeout,
	}, store, sender, dispatcher.NewRequestBuilder("triggerd/"+version)).
		WithWaker(wake).
		WithMetrics(sink)

	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	} else {
		logger.Info().Msg("circuit breaker disabled")
	}
	if cfg.DispatchRateLimit > 0 {
		burst := int(math.Ceil(cfg.DispatchRateLimit))
		disp = disp.WithLimiter(rate.NewLimiter(rate.Limit(cfg.DispatchRateLimit), burst))
	}

	svc := admin.NewService(admin.Config{
		DefaultRetry:  defaultRetry(cfg),
		RetainHistory: cfg.DeleteRetainHistory,
	}, store, parser).
		WithMaterializer(mat).
		WithNotifier(wake)

	e := &engine{materializer: mat, dispatcher: disp, service: svc}

	if cfg.RedisAddr != "" {
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		stats := analytics.NewRedisSink(e.redis, analytics.DefaultConfig())
		e.dispatcher = e.dispatcher.WithAnalytics(stats)
		e.service = e.service.WithAnalytics(stats)
		logger.Info().Str("redis", cfg.RedisAddr).Msg("analytics enabled")
	} else {
		logger.Info().Msg("REDIS_ADDR not set; analytics disabled")
	}

	if cfg.ReconcileEnabled {
		e.reconciler = reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, store).
			WithNotifier(wake).
			WithMetrics(sink)
	}
	return e
}

func runServe(c *cli.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logConfigWarnings(logger, cfg)

	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), exitRuntimeError)
	}
	defer closeStore()
	logger.Info().
		Str("driver", cfg.DatabaseDriver).
		Int("max_open", cfg.DBMaxOpenConns).
		Int("max_idle", cfg.DBMaxIdleConns).
		Msg("database ready")

	// Metrics are served on METRICS_PORT when set, otherwise on the API router.
	var sink metrics.Sink
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		if cfg.MetricsPort != "" {
			mux := http.NewServeMux()
			mux.Handle(cfg.MetricsPath, promhttp.Handler())
			metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
			go func() {
				logger.Info().Str("addr", metricsServer.Addr).Str("path", cfg.MetricsPath).Msg("metrics server listening")
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server error")
				}
			}()
		}
	} else {
		logger.Info().Msg("METRICS_ENABLED not set; metrics disabled")
	}

	e := buildEngine(cfg, store, sink, logger)
	if e.redis != nil {
		defer e.redis.Close()
	}

	if cfg.TriggersManifest != "" {
		if err := applyManifestFile(context.Background(), e.service, cfg.TriggersManifest, logger); err != nil {
			return cli.NewExitError(err.Error(), exitRuntimeError)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewHandler(e.service).WithHealthChecker(store).Router()
	if cfg.MetricsEnabled && cfg.MetricsPort == "" {
		router.GET(cfg.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// Separate contexts per component enable ordered shutdown.
	materializerCtx, cancelMaterializer := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	reconcilerCtx, cancelReconciler := context.WithCancel(context.Background())

	var materializerWg, dispatcherWg, reconcilerWg sync.WaitGroup

	materializerWg.Add(1)
	go func() {
		defer materializerWg.Done()
		_ = e.materializer.Run(materializerCtx)
	}()

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		_ = e.dispatcher.Run(dispatcherCtx)
	}()

	if e.reconciler != nil {
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			_ = e.reconciler.Run(reconcilerCtx)
		}()
		logger.Info().
			Dur("interval", cfg.ReconcileInterval).
			Dur("threshold", cfg.ReconcileThreshold).
			Int("batch", cfg.ReconcileBatchSize).
			Msg("reconciler enabled")
	}

	logger.Info().Str("version", version).Str("http", cfg.HTTPAddr).Msg("triggerd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info().Str("signal", received.String()).Msg("shutting down")

	// Phase 1: no new events are created.
	cancelMaterializer()
	materializerWg.Wait()
	logger.Info().Msg("materializer stopped")

	// Phase 2: no more requeues.
	cancelReconciler()
	reconcilerWg.Wait()

	// Phase 3: in-flight deliveries get DISPATCHER_DRAIN_TIMEOUT to finish.
	logger.Info().Dur("drain_timeout", cfg.DispatcherDrainTimeout).Msg("stopping dispatcher")
	cancelDispatcher()
	dispatcherWg.Wait()
	logger.Info().Msg("dispatcher stopped")

	// Phase 4: admin API.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}

	// Phase 5: metrics listener.
	if metricsServer != nil {
		metricsCtx, metricsCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsCancel()
		if err := metricsServer.Shutdown(metricsCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	logger.Info().Msg("stopped")
	return nil
}
