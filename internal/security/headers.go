package security

import (
	"net/http"
	"strconv"
)

const defaultHSTSMaxAge = 31536000

// Headers sets response headers suited to a JSON-only API. Browser origins are
// handled by go-chi/cors in the router.
type Headers struct {
	Enable                bool
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
}

// Middleware attaches the headers before the handler writes.
func (h Headers) Middleware(next http.Handler) http.Handler {
	if !h.Enable {
		return next
	}
	hsts := ""
	if h.EnableHSTS {
		maxAge := h.HSTSMaxAge
		if maxAge <= 0 {
			maxAge = defaultHSTSMaxAge
		}
		hsts = "max-age=" + strconv.Itoa(maxAge)
		if h.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Cache-Control", "no-store")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if hsts != "" && r.TLS != nil {
			headers.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
