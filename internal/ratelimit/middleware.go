package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-reconcile/internal/common"
)

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler enforces a sliding-window limit. Redis errors fail open: dropping a
// provider notification costs more than letting one extra through.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
}

// ProviderIPKey keys webhook traffic by provider path parameter and client IP.
func ProviderIPKey(r *http.Request) string {
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if provider == "" {
		provider = "_"
	}
	return "webhook:" + provider + ":" + common.ClientIP(r)
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Config.Max, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retryAfter := int(time.Until(d.ResetAt).Seconds()) + 1
			headers.Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
