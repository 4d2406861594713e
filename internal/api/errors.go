package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeInternal    = "internal_error"
	ErrCodeValidation  = "validation_error"
	ErrCodeUnavailable = "unavailable"
	ErrCodeBadGateway  = "bad_gateway"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeAutomationError maps automation sentinel errors onto HTTP statuses.
// Anything unrecognised is a 500 with fallback as the message.
func writeAutomationError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, automation.ErrRuleNotFound):
		writeNotFound(w, "automation not found")
	case errors.Is(err, automation.ErrExecutionNotFound):
		writeNotFound(w, "execution not found")
	case errors.Is(err, automation.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, automation.ErrRuleExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "automation already exists")
	case errors.Is(err, automation.ErrRuleInFlight):
		writeError(w, http.StatusConflict, ErrCodeConflict, "automation is already running")
	case errors.Is(err, automation.ErrRuleDisabled):
		writeError(w, http.StatusConflict, ErrCodeConflict, "automation is disabled")
	case errors.Is(err, automation.ErrSchedulerStopped):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "scheduler is not running")
	default:
		writeInternalError(w, fallback)
	}
}
