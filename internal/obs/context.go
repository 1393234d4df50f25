package obs

import (
	"context"

	"github.com/go-chi/chi/v5"
)

type routePatternKey struct{}

// WithRoutePattern pins the route label, overriding whatever chi matched.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext returns the pinned route, else chi's matched pattern.
// chi fills its route context while routing, so call it after next.ServeHTTP.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(routePatternKey{}).(string); ok && v != "" {
		return v
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}
