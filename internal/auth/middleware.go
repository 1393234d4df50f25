package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/noah-isme/toko-reconcile/internal/common"
)

type principalKey struct{}

// FromContext returns the principal attached by RequireRole.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware guards internal and admin routes with bearer tokens.
type Middleware struct {
	Verifier Verifier
}

// RequireRole answers 401 without a valid token and 403 when the token holds
// none of roles.
func (m Middleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
				return
			}
			p, err := m.Verifier.Parse(token)
			if err != nil {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
				return
			}
			if len(roles) > 0 && !p.HasAny(roles...) {
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
				return
			}
			ctx := common.WithSubject(r.Context(), p.Subject)
			ctx = context.WithValue(ctx, principalKey{}, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
