package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/nidhogg/agent-mesh/internal/exec"
	"github.com/nidhogg/agent-mesh/internal/redact"
	"github.com/nidhogg/agent-mesh/internal/topology"
)

// writeJSON emits a redacted JSON response: no credential pattern ever
// leaves the boundary.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := redact.JSON(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeValidationFailure(w http.ResponseWriter, res topology.ValidationResult) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "topology validation failed",
		"code":   "VALIDATION_ERROR",
		"errors": res.Errors,
	})
}

// writeError is the single place exceptions map to status codes.
// Internal errors are logged with detail and never leaked verbatim.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *topology.ValidationError
	if errors.As(err, &verr) {
		writeValidationFailure(w, verr.Result)
		return
	}
	switch {
	case errors.Is(err, exec.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, exec.ErrDuplicateName),
		errors.Is(err, exec.ErrTeamRunning),
		errors.Is(err, exec.ErrTeamNotActive),
		errors.Is(err, exec.ErrNotRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, exec.ErrConcurrencyLimit):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":      err.Error(),
			"error_code": "CONCURRENCY_LIMIT",
		})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func queryInt64(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
