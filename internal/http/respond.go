package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stackdock/stackdock/internal/repository"
	"github.com/stackdock/stackdock/internal/service/rollback"
)

// errorPayload is the wire shape of every error response. Code is a stable
// machine-readable identifier so clients can branch without parsing Error.
type errorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorPayload{Code: codeForStatus(status), Error: msg})
}

// writeDomainError maps known service errors onto HTTP statuses and codes.
// Everything unrecognized is an internal error.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorPayload{Code: "not_found", Error: err.Error()})
	case errors.Is(err, repository.ErrStaleDeployment):
		writeJSON(w, http.StatusConflict, errorPayload{Code: "stale_deployment", Error: err.Error()})
	case errors.Is(err, rollback.ErrRollbackInProgress):
		writeJSON(w, http.StatusConflict, errorPayload{Code: "rollback_in_progress", Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorPayload{Code: "internal", Error: err.Error()})
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}
