// Package middleware provides HTTP middleware for the audit query server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type errorCodeKey struct{}

// errorSlot is filled by a handler and read back by Logging once the
// handler returns.
type errorSlot struct{ code string }

// SetErrorCode attaches an error code to the request log line. It is a
// no-op outside Logging.
func SetErrorCode(ctx context.Context, code string) {
	if slot, ok := ctx.Value(errorCodeKey{}).(*errorSlot); ok {
		slot.code = code
	}
}

// GetErrorCode returns the code set by SetErrorCode, or "".
func GetErrorCode(ctx context.Context) string {
	if slot, ok := ctx.Value(errorCodeKey{}).(*errorSlot); ok {
		return slot.code
	}
	return ""
}

// NewLogger returns a JSON logger at info level for production and a text
// logger at debug level for anything else. Both write to stderr so stdout
// stays free for command output.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// levelForStatus logs 5xx as errors and 4xx as warnings.
func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// Logging writes one "request completed" line per request. A panicking
// handler produces no line; install recovery outside Logging.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			slot := &errorSlot{}
			r = r.WithContext(context.WithValue(r.Context(), errorCodeKey{}, slot))
			rec := recordResponse(w)

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int64("size", rec.bytes),
			}
			if id := GetRequestID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if rec.status >= http.StatusBadRequest && slot.code != "" {
				attrs = append(attrs, slog.String("error_code", slot.code))
			}
			logger.LogAttrs(r.Context(), levelForStatus(rec.status), "request completed", attrs...)
		})
	}
}
