package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable"`
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// WriteError writes a JSON error response without a ledger error code.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// StatusFor maps a ledger error kind to an HTTP status.
func StatusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConstraint, models.KindInvariant:
		return http.StatusConflict
	case models.KindPrecondition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteLedgerError writes err with its kind, code and retry hint. Unclassified
// errors are reported as a generic 500 so internals do not leak.
func WriteLedgerError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      models.CodeOf(err),
		Kind:      string(models.KindOf(err)),
		Retryable: models.Retryable(err),
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	if models.Retryable(err) && status == http.StatusConflict {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, status, resp)
}
