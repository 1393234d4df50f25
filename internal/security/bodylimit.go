package security

import (
	"bytes"
	"io"
	"net/http"

	"github.com/noah-isme/toko-reconcile/internal/common"
)

// DefaultWebhookBodyLimit caps provider notifications at 1 MiB.
const DefaultWebhookBodyLimit int64 = 1 << 20

// BodyLimit buffers at most Max bytes of the request body. The buffered bytes
// are handed on unchanged, so signatures computed over the raw body still hold.
type BodyLimit struct {
	Max int64
}

func (b BodyLimit) limit() int64 {
	if b.Max <= 0 {
		return DefaultWebhookBodyLimit
	}
	return b.Max
}

// Middleware answers 413 for oversized payloads.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	max := b.limit()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > max {
			tooLarge(w, max)
			return
		}

		buf, err := io.ReadAll(io.LimitReader(r.Body, max+1))
		_ = r.Body.Close()
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read request body", nil)
			return
		}
		if int64(len(buf)) > max {
			tooLarge(w, max)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func tooLarge(w http.ResponseWriter, max int64) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body exceeds limit", map[string]any{"max_bytes": max})
}
