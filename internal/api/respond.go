package api

import (
	"encoding/json"
	"net/http"

	"github.com/carevista/clinic-scheduling/internal/apperr"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleError maps the error taxonomy onto HTTP statuses.
func handleError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.NotFound:
		writeError(w, http.StatusNotFound, kind.String(), err.Error())
	case apperr.InvalidState, apperr.Conflict, apperr.DuplicateKey:
		writeError(w, http.StatusConflict, kind.String(), err.Error())
	case apperr.InvalidRange:
		writeError(w, http.StatusBadRequest, kind.String(), err.Error())
	case apperr.Forbidden:
		writeError(w, http.StatusForbidden, kind.String(), err.Error())
	case apperr.LockTimeout:
		writeError(w, http.StatusConflict, kind.String(), "resource is contended, please retry shortly")
	case apperr.Upstream:
		writeError(w, http.StatusBadGateway, kind.String(), err.Error())
	case apperr.PartialReschedule:
		writeError(w, http.StatusConflict, kind.String(), err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
