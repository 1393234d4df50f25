package health

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-reconcile/internal/common"
)

var (
	ready            atomic.Bool
	errNotConfigured = errors.New("not configured")
)

func init() { ready.Store(true) }

// SetReady flips readiness. Shutdown sets it to false so load balancers stop
// routing provider notifications before in-flight ones drain.
func SetReady(v bool) { ready.Store(v) }

// Checker represents dependencies that can be checked for readiness.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Deps pings the shared Postgres pool and Redis client.
type Deps struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

func (d Deps) PingDB(ctx context.Context, timeout time.Duration) error {
	if d.DB == nil {
		return errNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.DB.Ping(ctx)
}

func (d Deps) PingRedis(ctx context.Context, timeout time.Duration) error {
	if d.Redis == nil {
		return errNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Redis.Ping(ctx).Err()
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports 200 only when both stores answer and the process is not draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if h.Checker == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dependencies unavailable", nil)
		return
	}
	ctx := r.Context()
	status := map[string]string{"db": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := h.Checker.PingDB(ctx, orDefault(h.DBTimeout, 500*time.Millisecond)); err != nil {
		status["db"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := h.Checker.PingRedis(ctx, orDefault(h.RedisTimeout, 300*time.Millisecond)); err != nil {
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
