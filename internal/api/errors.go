// Package api serves the read-only HTTP surface of the guardrail: ledger
// queries, verification, export, a live ledger tail and run history.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/guardrail/internal/middleware"
)

// Error codes carried in error bodies and in the request log.
const (
	ErrCodeValidation = "validation_error"
	ErrCodeNotFound   = "not_found"
	ErrCodeInternal   = "internal_error"
	// ErrCodeIntegrity marks a ledger whose hash chain does not verify.
	ErrCodeIntegrity = "integrity_violation"
	// ErrCodeUnavailable marks an optional component that is switched off.
	ErrCodeUnavailable = "unavailable"
	// ErrCodeRateLimited is written by middleware.RateLimiter.
	ErrCodeRateLimited = "rate_limit_exceeded"
)

var statusByCode = map[string]int{
	ErrCodeValidation:  http.StatusBadRequest,
	ErrCodeNotFound:    http.StatusNotFound,
	ErrCodeIntegrity:   http.StatusConflict,
	ErrCodeUnavailable: http.StatusServiceUnavailable,
	ErrCodeRateLimited: http.StatusTooManyRequests,
}

// StatusFor returns the HTTP status for an error code. Unknown codes map
// to 500.
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body of every non-2xx response:
// {"error": {"code": "...", "message": "..."}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes an ErrorResponse with the status StatusFor(code) and
// hands the code to the logging middleware.
func WriteError(w http.ResponseWriter, ctx context.Context, code, message string) {
	middleware.SetErrorCode(ctx, code)
	writeJSON(w, ctx, StatusFor(code), ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "write response", "status", status, "error", err)
	}
}
