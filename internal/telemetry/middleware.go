package telemetry

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// SpanNameFormatter names a server span before routing has happened. RouteMiddleware
// refines it once chi has matched a pattern.
func SpanNameFormatter(_ string, r *http.Request) string {
	return r.Method
}

// RouteMiddleware is a chi middleware that renames the active server span to the
// matched route pattern, keeping IDs out of span names.
func RouteMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		rctx := chi.RouteContext(r.Context())
		if rctx == nil || rctx.RoutePattern() == "" {
			return
		}
		pattern := rctx.RoutePattern()
		span.SetName(r.Method + " " + pattern)
		span.SetAttributes(semconv.HTTPRoute(pattern))
	})
}
