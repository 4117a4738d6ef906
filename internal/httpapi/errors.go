package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/flowcrm/internal/crm"
	"github.com/roach88/flowcrm/internal/engine"
	"github.com/roach88/flowcrm/internal/graph"
	"github.com/roach88/flowcrm/internal/store"
)

// Error codes produced by this package. Application errors keep their
// own codes (crm.Error, engine.RuntimeError).
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeMissingTenant = "MISSING_TENANT"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeValidation    = "VALIDATION_ERROR"
	CodeUnavailable   = "UNAVAILABLE"
	CodeInternal      = "INTERNAL"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func apiError(ctx context.Context, code, message string, details any) errorResponse {
	return errorResponse{Error: errorBody{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(ctx),
		Details:   details,
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, apiError(r.Context(), code, message, details))
}

// writeErr maps an application error onto the envelope.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ce *crm.Error
		re *engine.RuntimeError
	)
	switch {
	case errors.As(err, &ce):
		writeError(w, r, ce.Status, ce.Code, ce.Message, ce.Details)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, crm.ErrNotFound):
		writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
	case errors.As(err, &re):
		writeError(w, r, http.StatusUnprocessableEntity, string(re.Code), re.Error(), re.Details)
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}

func writeValidation(w http.ResponseWriter, r *http.Request, errs []*graph.ValidationError) {
	writeError(w, r, http.StatusUnprocessableEntity, CodeValidation, "workflow failed validation", errs)
}
