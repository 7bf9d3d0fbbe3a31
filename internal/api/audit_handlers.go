package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/guardrail/internal/audit"
	"github.com/onnwee/guardrail/internal/middleware"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
)

// AuditHandlers serves read-only queries over the ledger.
type AuditHandlers struct {
	ledger *audit.Ledger
	logger *slog.Logger
}

// NewAuditHandlers creates handlers over ledger.
func NewAuditHandlers(ledger *audit.Ledger, logger *slog.Logger) *AuditHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandlers{ledger: ledger, logger: logger}
}

// RecordsResponse is a page of ledger records, newest first.
type RecordsResponse struct {
	Records []*audit.Record `json:"records"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// queryKind parses the optional kind filter.
func queryKind(r *http.Request) (audit.Kind, error) {
	raw := r.URL.Query().Get("kind")
	if raw == "" {
		return "", nil
	}
	return audit.ParseKind(raw)
}

// ListRecords handles GET /audit/records?kind=&limit=&offset=.
func (h *AuditHandlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind, err := queryKind(r)
	if err != nil {
		WriteError(w, ctx, ErrCodeValidation, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultRecordLimit)
	if err == nil && (limit < 1 || limit > maxRecordLimit) {
		err = fmt.Errorf("limit must be between 1 and %d", maxRecordLimit)
	}
	if err != nil {
		WriteError(w, ctx, ErrCodeValidation, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err == nil && offset < 0 {
		err = errors.New("offset must not be negative")
	}
	if err != nil {
		WriteError(w, ctx, ErrCodeValidation, err.Error())
		return
	}

	records, err := h.ledger.Collect(ctx, audit.ListOptions{Kind: kind, Limit: int(limit), Offset: int(offset)})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list ledger records", "error", err)
		WriteError(w, ctx, ErrCodeInternal, "Failed to list records")
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}

	writeJSON(w, ctx, http.StatusOK, RecordsResponse{Records: records, Limit: int(limit), Offset: int(offset)})
}

// GetRecord handles GET /audit/records/{seq}.
func (h *AuditHandlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq < 0 {
		WriteError(w, ctx, ErrCodeValidation, "seq must be a non-negative integer")
		return
	}

	rec, err := h.ledger.Get(ctx, seq)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		WriteError(w, ctx, ErrCodeNotFound, "Record not found")
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "failed to read ledger record", "error", err, "sequence_no", seq)
		WriteError(w, ctx, ErrCodeInternal, "Failed to read record")
		return
	}

	writeJSON(w, ctx, http.StatusOK, rec)
}

// Head handles GET /audit/head.
func (h *AuditHandlers) Head(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := h.ledger.Head(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read ledger head", "error", err)
		WriteError(w, ctx, ErrCodeInternal, "Failed to read ledger head")
		return
	}
	if rec == nil {
		WriteError(w, ctx, ErrCodeNotFound, "Ledger is empty")
		return
	}

	writeJSON(w, ctx, http.StatusOK, rec)
}

// rangeParams reads from and to, where a missing to means the head.
func rangeParams(r *http.Request) (from, to int64, err error) {
	if from, err = queryInt(r, "from", 0); err != nil {
		return 0, 0, err
	}
	if from < 0 {
		return 0, 0, errors.New("from must not be negative")
	}
	if to, err = queryInt(r, "to", -1); err != nil {
		return 0, 0, err
	}
	if to >= 0 && to < from {
		return 0, 0, errors.New("to must not be before from")
	}
	return from, to, nil
}

// Verify handles GET /audit/verify?from=&to=. A broken chain answers 409
// with the verification result as the body.
func (h *AuditHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, to, err := rangeParams(r)
	if err != nil {
		WriteError(w, ctx, ErrCodeValidation, err.Error())
		return
	}

	res, err := h.ledger.VerifyChain(ctx, from, to)
	var integrityErr *audit.IntegrityError
	switch {
	case errors.As(err, &integrityErr):
		h.logger.WarnContext(ctx, "ledger chain broken",
			"first_break_at", integrityErr.SequenceNo,
			"reason", integrityErr.Reason,
			"trace_id", middleware.GetTraceID(r),
			"span_id", middleware.GetSpanID(r))
		middleware.SetErrorCode(ctx, ErrCodeIntegrity)
		writeJSON(w, ctx, StatusFor(ErrCodeIntegrity), res)
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "failed to verify ledger", "error", err)
		WriteError(w, ctx, ErrCodeInternal, "Failed to verify ledger")
		return
	}

	writeJSON(w, ctx, http.StatusOK, res)
}

// Export handles GET /audit/export?format=&from=&to=&kind= and returns the
// range as a file download.
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	format := audit.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = audit.ExportFormatJSON
	}
	if format != audit.ExportFormatJSON && format != audit.ExportFormatCSV {
		WriteError(w, ctx, ErrCodeValidation, "format must be json or csv")
		return
	}
	from, to, err := rangeParams(r)
	if err != nil {
		WriteError(w, ctx, ErrCodeValidation, err.Error())
		return
	}
	kind, err := queryKind(r)
	if err != nil {
		WriteError(w, ctx, ErrCodeValidation, err.Error())
		return
	}

	data, err := h.ledger.Export(ctx, audit.ExportOptions{Format: format, From: from, To: to, Kind: kind})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to export ledger", "error", err)
		WriteError(w, ctx, ErrCodeInternal, "Failed to export ledger")
		return
	}

	contentType := "application/json"
	if format == audit.ExportFormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-ledger%s"`, format.Extension()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.WarnContext(ctx, "failed to write export", "error", err)
	}
}
