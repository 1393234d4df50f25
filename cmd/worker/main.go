package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/toko-reconcile/internal/admin"
	"github.com/noah-isme/toko-reconcile/internal/app"
	"github.com/noah-isme/toko-reconcile/internal/audit"
	"github.com/noah-isme/toko-reconcile/internal/config"
	"github.com/noah-isme/toko-reconcile/internal/db"
	"github.com/noah-isme/toko-reconcile/internal/idempotency"
	"github.com/noah-isme/toko-reconcile/internal/lock"
	"github.com/noah-isme/toko-reconcile/internal/obs"
	"github.com/noah-isme/toko-reconcile/internal/orphan"
	"github.com/noah-isme/toko-reconcile/internal/retention"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		Enabled:       cfg.Obs.EnableTracing,
		ServiceName:   "toko-reconcile-worker",
		Endpoint:      cfg.Obs.OTLPEndpoint,
		Exporter:      cfg.Obs.TracingExporter,
		SamplingRatio: cfg.Obs.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := app.NewPool(ctx, cfg.DatabaseURL, "toko-reconcile-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise database")
	}
	defer pool.Close()

	redisClient, err := app.NewRedis(ctx, cfg.RedisURL, cfg.Obs.EnablePrometheus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise redis")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	orphans := orphan.NewStore(pool)
	jobs := retention.Jobs{
		Ledger:    idempotency.NewLedger(pool),
		Locker:    lock.Locker{R: redisClient},
		Backlog:   admin.BacklogReader{Orphans: orphans, Audit: audit.NewStore(pool)},
		Retention: cfg.Reconcile.ProcessedRetention,
		LockTTL:   cfg.Worker.LockTTL,
		Logger:    obs.Component(logger, "retention"),
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse asynq redis uri")
	}
	asynqLogger := retention.AsynqLogger{Logger: obs.Component(logger, "asynq")}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Worker.Concurrency,
		Logger:          asynqLogger,
		ShutdownTimeout: 30 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
	})
	mux := asynq.NewServeMux()
	jobs.Register(mux)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: asynqLogger, Location: time.UTC})
	if err := retention.Schedule(scheduler); err != nil {
		logger.Fatal().Err(err).Msg("register schedules")
	}

	var metricsSrv *http.Server
	if cfg.Obs.EnablePrometheus && cfg.Worker.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if err := server.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}

	logger.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker starting")
	<-ctx.Done()

	scheduler.Shutdown()
	server.Shutdown()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info().Msg("worker shutdown complete")
}
