package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"scan-orchestrator/internal/entity"
	"scan-orchestrator/internal/service"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeServiceErr maps service errors to statuses. Unexpected errors are
// logged and hidden from the caller.
func writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, entity.ErrNotFound):
		writeErr(w, http.StatusNotFound, "job not found")
	default:
		slog.ErrorContext(r.Context(), "request failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
