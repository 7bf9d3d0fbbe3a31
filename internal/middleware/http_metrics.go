package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests no route matched, keeping label
// cardinality bounded under path scanning.
const unmatchedRoute = "unmatched"

// routePattern returns the matched chi pattern, e.g. "/runs/{id}".
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}

// HTTPMetrics observes latency, count and response size per route
// pattern. Install it on the chi router so the pattern is resolved by the
// time the handler returns. Health checks are not observed.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/ready":
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := recordResponse(w)
			next.ServeHTTP(rec, r)
			metrics.ObserveHTTPRequest(r.Method, routePattern(r), strconv.Itoa(rec.status),
				time.Since(start).Seconds(), rec.bytes)
		})
	}
}
