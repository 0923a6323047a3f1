package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"accounting-reports/internal/core"

	"github.com/rs/zerolog"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeServiceError maps engine errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		formulaErr     *core.FormulaError
		cycleErr       *core.AggregationCycleError
		scopeErr       *core.ScopeAmbiguityError
		capabilityErr  *core.EngineCapabilityError
		consistencyErr *core.ConsistencyError
	)
	switch {
	case errors.Is(err, core.ErrReportNotFound):
		writeError(w, r, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, core.ErrInvalidInput):
		writeError(w, r, err.Error(), "BAD_REQUEST", http.StatusBadRequest)
	case errors.As(err, &scopeErr):
		writeError(w, r, err.Error(), "AMBIGUOUS_SCOPE", http.StatusConflict)
	case errors.As(err, &capabilityErr):
		writeError(w, r, err.Error(), "UNSUPPORTED", http.StatusBadRequest)
	case errors.As(err, &consistencyErr):
		writeError(w, r, err.Error(), "INCONSISTENT_REQUEST", http.StatusUnprocessableEntity)
	case errors.As(err, &formulaErr):
		writeError(w, r, err.Error(), "INVALID_FORMULA", http.StatusUnprocessableEntity)
	case errors.As(err, &cycleErr):
		writeError(w, r, err.Error(), "AGGREGATION_CYCLE", http.StatusUnprocessableEntity)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, r, "internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
