package common

import (
	"context"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Idem rejects replays of an Idempotency-Key on write endpoints. Checkout uses
// it when opening transactions so a retried request cannot create a twin.
type Idem struct {
	R      *redis.Client
	TTL    time.Duration
	Prefix string
}

// key scopes the client key to the caller and the endpoint so two subjects, or
// two routes, never share a lock.
func (i Idem) key(r *http.Request, header string) string {
	prefix := i.Prefix
	if prefix == "" {
		prefix = "idem:"
	}
	subject, _ := Subject(r.Context())
	return prefix + Sha256Hex(subject+"\n"+r.Method+" "+r.URL.Path+"\n"+header)
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		key := i.key(r, header)
		ok, err := i.R.SetNX(r.Context(), key, "locked", ttl).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store error", nil)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}
		rec := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusBadRequest {
			// nothing was created; a corrected retry may reuse the key
			_ = i.R.Del(context.WithoutCancel(r.Context()), key).Err()
		}
	})
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (s *statusCapture) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
