package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string
	MigrateOnStart     bool

	Providers ProviderSecrets
	Reconcile Reconcile
	Webhook   Webhook
	Worker    Worker
	Obs       Obs
}

// ProviderSecrets are the per-provider signing secrets. A provider with an
// empty secret is still routed but every notification fails verification.
type ProviderSecrets struct {
	StripeWebhookSecret  string
	StripeTolerance      time.Duration
	MidtransServerKey    string
	XenditCallbackSecret string
	PayPalWebhookID      string
	PayPalClientID       string
	PayPalClientSecret   string
	PayPalBaseURL        string
	PayPalTimeout        time.Duration
}

// Reconcile tunes the notification pipeline.
type Reconcile struct {
	StoreTimeout       time.Duration
	MaxAttempts        int
	ProcessedCacheTTL  time.Duration
	ProcessedRetention time.Duration
	OrphanDedupe       bool
	ShortfallPolicy    string
	AuditTimeout       time.Duration
}

// Webhook bounds inbound provider traffic.
type Webhook struct {
	BodyLimitBytes  int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	AdminRate       string
}

// Worker configures cmd/worker.
type Worker struct {
	Concurrency int
	MetricsAddr string
	LockTTL     time.Duration
}

// Obs toggles logging, metrics and tracing.
type Obs struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBucketsMs string
	EnablePrometheus bool
	EnableTracing    bool
	OTLPEndpoint     string
	TracingExporter  string
	SamplingRatio    float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	return fromKoanf(k)
}

// LoadForTests builds a Config from values only, ignoring the process
// environment and any .env file.
func LoadForTests(values map[string]string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range values {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}
	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "toko"),
		JWTAudience:        valueOrDefault(k.String("JWT_AUDIENCE"), "toko-reconcile"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START"), false),
		Providers: ProviderSecrets{
			StripeWebhookSecret:  strings.TrimSpace(k.String("STRIPE_WEBHOOK_SECRET")),
			StripeTolerance:      parseDuration(k.String("STRIPE_SIGNATURE_TOLERANCE"), "5m"),
			MidtransServerKey:    strings.TrimSpace(k.String("MIDTRANS_SERVER_KEY")),
			XenditCallbackSecret: strings.TrimSpace(k.String("XENDIT_CALLBACK_SECRET")),
			PayPalWebhookID:      strings.TrimSpace(k.String("PAYPAL_WEBHOOK_ID")),
			PayPalClientID:       strings.TrimSpace(k.String("PAYPAL_CLIENT_ID")),
			PayPalClientSecret:   strings.TrimSpace(k.String("PAYPAL_CLIENT_SECRET")),
			PayPalBaseURL:        valueOrDefault(k.String("PAYPAL_API_BASE"), "https://api-m.paypal.com"),
			PayPalTimeout:        parseDuration(k.String("PAYPAL_VERIFY_TIMEOUT"), "5s"),
		},
		Reconcile: Reconcile{
			StoreTimeout:       parseDuration(k.String("RECONCILE_STORE_TIMEOUT"), "5s"),
			MaxAttempts:        parseInt(k.String("RECONCILE_MAX_ATTEMPTS"), 3),
			ProcessedCacheTTL:  parseDuration(k.String("RECONCILE_PROCESSED_CACHE_TTL"), "24h"),
			ProcessedRetention: parseDuration(k.String("RECONCILE_PROCESSED_RETENTION"), "720h"),
			OrphanDedupe:       parseBool(k.String("RECONCILE_ORPHAN_DEDUP"), true),
			ShortfallPolicy:    strings.ToLower(valueOrDefault(k.String("RECONCILE_SHORTFALL_POLICY"), "warn")),
			AuditTimeout:       parseDuration(k.String("RECONCILE_AUDIT_TIMEOUT"), "2s"),
		},
		Webhook: Webhook{
			BodyLimitBytes:  int64(parseInt(k.String("WEBHOOK_BODY_LIMIT_BYTES"), 1<<20)),
			RateLimitMax:    parseInt(k.String("WEBHOOK_RATE_LIMIT_MAX"), 120),
			RateLimitWindow: parseDuration(k.String("WEBHOOK_RATE_LIMIT_WINDOW"), "1m"),
			AdminRate:       valueOrDefault(k.String("ADMIN_RATE_LIMIT"), "120-M"),
		},
		Worker: Worker{
			Concurrency: parseInt(k.String("WORKER_CONCURRENCY"), 5),
			MetricsAddr: valueOrDefault(k.String("WORKER_METRICS_ADDR"), ":9091"),
			LockTTL:     parseDuration(k.String("LOCK_TTL"), "5m"),
		},
		Obs: Obs{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "toko"),
			MetricsBucketsMs: k.String("OBS_METRICS_BUCKETS_MS"),
			EnablePrometheus: parseBool(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:    parseBool(k.String("OBS_ENABLE_TRACING"), false),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	switch cfg.Reconcile.ShortfallPolicy {
	case "warn", "strict":
	default:
		return nil, fmt.Errorf("RECONCILE_SHORTFALL_POLICY must be warn or strict, got %q", cfg.Reconcile.ShortfallPolicy)
	}
	if cfg.Reconcile.MaxAttempts < 1 {
		cfg.Reconcile.MaxAttempts = 1
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
