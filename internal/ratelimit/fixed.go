package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/toko-reconcile/internal/common"
)

// DefaultAdminRate applies to operator endpoints.
const DefaultAdminRate = "120-M"

// NewFixedWindow returns a Redis-backed fixed-window middleware for the given
// rate ("<limit>-<S|M|H|D>"), keyed by client IP. Store errors answer 503.
func NewFixedWindow(client *redis.Client, rate, prefix string, onError func(error)) (func(http.Handler) http.Handler, error) {
	if rate == "" {
		rate = DefaultAdminRate
	}
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse rate %q: %w", rate, err)
	}
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	mw := stdlib.NewMiddleware(limiter.New(store, parsed),
		stdlib.WithKeyGetter(common.ClientIP),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			if onError != nil {
				onError(err)
			}
			common.JSONError(w, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable", nil)
		}),
	)
	return mw.Handler, nil
}
