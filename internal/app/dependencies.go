// Package app builds the shared dependencies both binaries start from.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-reconcile/internal/audit"
	"github.com/noah-isme/toko-reconcile/internal/config"
	"github.com/noah-isme/toko-reconcile/internal/fulfillment"
	"github.com/noah-isme/toko-reconcile/internal/idempotency"
	"github.com/noah-isme/toko-reconcile/internal/obs"
	"github.com/noah-isme/toko-reconcile/internal/orphan"
	"github.com/noah-isme/toko-reconcile/internal/payment"
	"github.com/noah-isme/toko-reconcile/internal/reconcile"
)

// NewPool opens a traced pgx pool tagged with applicationName.
func NewPool(ctx context.Context, databaseURL, applicationName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis connects to Redis and attaches OpenTelemetry hooks. Instrumentation
// failures are logged, not fatal.
func NewRedis(ctx context.Context, redisURL string, withMetrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if withMetrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRegistry registers every supported provider with its configured secret.
// PayPal's secret is its webhook id.
func NewRegistry(secrets config.ProviderSecrets, logger zerolog.Logger) *payment.Registry {
	registry := payment.NewRegistry()
	registry.Register(payment.Stripe{Tolerance: secrets.StripeTolerance}, secrets.StripeWebhookSecret)
	registry.Register(payment.Midtrans{}, secrets.MidtransServerKey)
	registry.Register(payment.Xendit{}, secrets.XenditCallbackSecret)
	registry.Register(payment.NewPayPal(payment.PayPalConfig{
		ClientID:     secrets.PayPalClientID,
		ClientSecret: secrets.PayPalClientSecret,
		BaseURL:      secrets.PayPalBaseURL,
		Timeout:      secrets.PayPalTimeout,
		Logger:       obs.Component(logger, "paypal"),
	}), secrets.PayPalWebhookID)
	return registry
}

// NewProcessor assembles the reconciliation pipeline over pool and rdb.
// A nil rdb disables the duplicate cache; the ledger stays authoritative.
func NewProcessor(pool *pgxpool.Pool, rdb *redis.Client, registry *payment.Registry, cfg config.Reconcile, logger zerolog.Logger) *reconcile.Processor {
	var cache reconcile.DuplicateCache
	if rdb != nil {
		cache = idempotency.Cache{Client: rdb, TTL: cfg.ProcessedCacheTTL}
	}
	var units reconcile.UnitOfWork = reconcile.PgUnitOfWork{}
	if pool != nil {
		units = reconcile.PgUnitOfWork{Pool: pool}
	}
	var auditStore audit.Store
	if pool != nil {
		auditStore = audit.NewStore(pool)
	}
	return &reconcile.Processor{
		Registry: registry,
		Units:    units,
		Cache:    cache,
		Audit: audit.Logger{
			Store:   auditStore,
			Logger:  obs.Component(logger, "audit"),
			Timeout: cfg.AuditTimeout,
		},
		Orphans: orphan.Recorder{
			Dedupe: cfg.OrphanDedupe,
			Logger: obs.Component(logger, "orphan"),
		},
		Fulfillment: fulfillment.Committer{
			Policy: fulfillment.ParsePolicy(cfg.ShortfallPolicy),
			Logger: obs.Component(logger, "fulfillment"),
		},
		Logger:       obs.Component(logger, "reconcile"),
		StoreTimeout: cfg.StoreTimeout,
		MaxAttempts:  cfg.MaxAttempts,
	}
}
