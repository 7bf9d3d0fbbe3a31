package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// requestIDAttr links a server span to the request log line.
const requestIDAttr = "guardrail.request_id"

// Tracing starts a server span per request, named "METHOD /path", with
// W3C trace context propagated from the caller. Health checks and the long-lived
// ledger stream are not traced. Place it after RequestID.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		tagged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := GetRequestID(r.Context()); id != "" {
				trace.SpanFromContext(r.Context()).SetAttributes(attribute.String(requestIDAttr, id))
			}
			next.ServeHTTP(w, r)
		})
		return otelhttp.NewHandler(tagged, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				switch r.URL.Path {
				case "/health", "/ready", "/audit/stream":
					return false
				}
				return true
			}),
		)
	}
}

// GetTraceID returns the active trace id, or "".
func GetTraceID(r *http.Request) string {
	if sc := spanContext(r); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// GetSpanID returns the active span id, or "".
func GetSpanID(r *http.Request) string {
	if sc := spanContext(r); sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}

func spanContext(r *http.Request) trace.SpanContext {
	return trace.SpanContextFromContext(r.Context())
}
