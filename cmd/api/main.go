package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-reconcile/internal/admin"
	"github.com/noah-isme/toko-reconcile/internal/app"
	"github.com/noah-isme/toko-reconcile/internal/audit"
	"github.com/noah-isme/toko-reconcile/internal/auth"
	"github.com/noah-isme/toko-reconcile/internal/common"
	"github.com/noah-isme/toko-reconcile/internal/config"
	"github.com/noah-isme/toko-reconcile/internal/db"
	"github.com/noah-isme/toko-reconcile/internal/health"
	"github.com/noah-isme/toko-reconcile/internal/idempotency"
	"github.com/noah-isme/toko-reconcile/internal/obs"
	"github.com/noah-isme/toko-reconcile/internal/orphan"
	"github.com/noah-isme/toko-reconcile/internal/ratelimit"
	"github.com/noah-isme/toko-reconcile/internal/reconcile"
	"github.com/noah-isme/toko-reconcile/internal/security"
	"github.com/noah-isme/toko-reconcile/internal/txn"
)

const serviceName = "toko-reconcile-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		Enabled:       cfg.Obs.EnableTracing,
		ServiceName:   serviceName,
		Endpoint:      cfg.Obs.OTLPEndpoint,
		Exporter:      cfg.Obs.TracingExporter,
		SamplingRatio: cfg.Obs.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := app.NewPool(startCtx, cfg.DatabaseURL, serviceName)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise database")
	}
	defer pool.Close()

	redisClient, err := app.NewRedis(startCtx, cfg.RedisURL, cfg.Obs.EnablePrometheus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise redis")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	registry := app.NewRegistry(cfg.Providers, logger)
	processor := app.NewProcessor(pool, redisClient, registry, cfg.Reconcile, logger)
	webhookHandler := &reconcile.Handler{Processor: processor}

	txnHandler := &txn.Handler{Service: txn.NewService(txn.NewStore(pool), registry, obs.Component(logger, "txn"))}

	orphans := orphan.NewStore(pool)
	auditStore := audit.NewStore(pool)
	adminHandler := &admin.Handler{
		Orphans:   orphans,
		Audit:     auditStore,
		Processed: idempotency.NewLedger(pool),
		Backlog:   admin.BacklogReader{Orphans: orphans, Audit: auditStore},
		Logger:    obs.Component(logger, "admin"),
	}

	authMiddleware := auth.Middleware{Verifier: auth.Verifier{
		Secret:    []byte(cfg.JWTSecret),
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		ClockSkew: 30 * time.Second,
	}}
	idem := common.Idem{R: redisClient, TTL: 24 * time.Hour, Prefix: "idem:txn:"}

	webhookLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "ratelimit"},
		Config: ratelimit.Config{
			Key:    ratelimit.ProviderIPKey,
			Window: cfg.Webhook.RateLimitWindow,
			Max:    cfg.Webhook.RateLimitMax,
		},
		OnError: logError(logger, "webhook rate limiter unavailable"),
	}
	adminLimit, err := ratelimit.NewFixedWindow(redisClient, cfg.Webhook.AdminRate, "ratelimit:admin", logError(logger, "admin rate limiter unavailable"))
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise admin rate limiter")
	}

	var httpMetrics *obs.HTTPMetrics
	if cfg.Obs.EnablePrometheus {
		httpMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBucketsMs), nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production", HSTSMaxAge: 31536000}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	if cfg.Obs.EnablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{
		Checker:      health.Deps{DB: pool, Redis: redisClient},
		DBTimeout:    500 * time.Millisecond,
		RedisTimeout: 300 * time.Millisecond,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/webhooks/payment", func(w chi.Router) {
			// Inline so the limiter key can read the {provider} param.
			webhookHandler.Routes(w.With(
				security.BodyLimit{Max: cfg.Webhook.BodyLimitBytes}.Middleware,
				webhookLimit.Middleware,
				func(next http.Handler) http.Handler { return obs.HTTPHandler(next, "webhook.payment") },
			))
		})

		v.Route("/internal/transactions", func(t chi.Router) {
			t.Use(authMiddleware.RequireRole(auth.RoleCheckout, auth.RoleAdmin))
			t.Use(idem.Middleware)
			txnHandler.Routes(t)
		})

		v.Route("/admin/reconcile", func(a chi.Router) {
			a.Use(authMiddleware.RequireRole(auth.RoleAdmin))
			a.Use(adminLimit)
			adminHandler.Routes(a)
		})
	})

	r.Route("/debug/pprof", func(d chi.Router) {
		d.Use(authMiddleware.RequireRole(auth.RoleAdmin))
		d.Handle("/*", newPprofMux())
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Strs("providers", registry.Names()).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func logError(logger zerolog.Logger, msg string) func(error) {
	return func(err error) {
		logger.Warn().Err(err).Msg(msg)
	}
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
