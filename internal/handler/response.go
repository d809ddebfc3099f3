package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/identity-vault/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints:
//
//	{"error": "not_found", "message": "identity not found with id abc123"}
type ErrorResponse struct {
	Error   string `json:"error"`   // machine-readable error type
	Message string `json:"message"` // human-readable description
}

// writeJSON sends a JSON response with the given status code. Headers and
// status must be set before the body is written.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to the appropriate HTTP status code. The
// service layer knows nothing about HTTP; this is the single place domain
// errors become status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errorType := "internal_error"

	switch {
	case errors.Is(err, apperror.ErrNotFound):
		status = http.StatusNotFound
		errorType = "not_found"
	case errors.Is(err, apperror.ErrConflict):
		status = http.StatusConflict
		errorType = "conflict"
	case errors.Is(err, apperror.ErrCancelled):
		// A declined consent is an outcome, not a server failure.
		status = http.StatusOK
		errorType = "cancelled"
	case errors.Is(err, apperror.ErrProtocolViolation):
		status = http.StatusBadGateway
		errorType = "protocol_violation"
	case errors.Is(err, apperror.ErrTransport):
		status = http.StatusBadGateway
		errorType = "transport_error"
	case errors.Is(err, apperror.ErrWriteFailed):
		errorType = "write_failed"
	}

	// Use the typed message when one is present; otherwise keep internal
	// details (queries, file paths) off the wire.
	message := "An internal error occurred"
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	writeJSON(w, status, ErrorResponse{Error: errorType, Message: message})
}
