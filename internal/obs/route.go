package obs

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type routePatternKey struct{}

// WithRoutePattern pins the route label used by the request middlewares.
// Handlers mounted outside chi use it; chi routes are labelled automatically.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext returns the pattern set by WithRoutePattern.
func RoutePatternFromContext(ctx context.Context) string {
	s, _ := ctx.Value(routePatternKey{}).(string)
	return s
}

// routeLabel must run after the handler: chi fills in the matched pattern
// while routing, so top-level middleware only sees it on the way out.
func routeLabel(r *http.Request, fallback string) string {
	if p := RoutePatternFromContext(r.Context()); p != "" {
		return p
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return fallback
}
