package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/gradeworks/gradeworks/pkg/jobs"
)

// Note on API Error DTOs and Evolution Policy
//
// The JSON error payloads produced here (error, code, message) are part of
// the public API contract. Apply the DTO Evolution Policy:
// - Additive-only: add optional fields; do not remove/rename existing fields
// - Zero-value semantics: new fields must have safe zero-values; prefer `omitempty`
// - Breaking changes should be introduced under a new API version (v2)

// ErrorResponse represents a standard JSON error response.
// Used consistently across all API endpoints for error responses.
//
// Example:
//
//	{
//	  "error": "Not Found",
//	  "code": "JOB_NOT_FOUND",
//	  "message": "job 'a1b2' not found"
//	}
type ErrorResponse struct {
	Error   string `json:"error"`             // Short error type (e.g., "Not Found", "Conflict")
	Code    string `json:"code,omitempty"`    // Machine-readable error code (e.g., "JOB_NOT_FOUND")
	Message string `json:"message,omitempty"` // Detailed error message (optional)
}

// WriteError writes a standard JSON error response to the client.
// It maps engine error types onto HTTP status codes:
//   - jobs.ValidationError → 400 Bad Request
//   - jobs.NotFoundError → 404 Not Found
//   - jobs.QuotaExceededError → 429 Too Many Requests
//   - jobs.AlreadyTerminalError, StillRunningError, ConflictError → 409 Conflict
//   - jobs.NotReadyError → 409 Conflict
//   - All other errors → 500 Internal Server Error
//
// It also logs the error with structured logging for observability.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode, errorCode := classify(err)
	errorType := httpStatusText(statusCode)

	logEvent := log.Error().
		Str("component", "api").
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", statusCode).
		Str("error_code", errorCode).
		Err(err)

	switch {
	case statusCode == http.StatusNotFound:
		logEvent.Msg("Resource not found")
	case statusCode >= 500:
		logEvent.Msg("Internal server error")
	case statusCode >= 400:
		logEvent.Msg("Client error")
	default:
		logEvent.Msg("Request failed")
	}

	WriteJSONError(w, statusCode, errorType, errorCode, err.Error())
}

func classify(err error) (statusCode int, errorCode string) {
	switch {
	case jobs.IsValidation(err):
		return http.StatusBadRequest, "INVALID_INPUT"
	case jobs.IsNotFound(err):
		return http.StatusNotFound, "JOB_NOT_FOUND"
	case jobs.IsQuotaExceeded(err):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case jobs.IsAlreadyTerminal(err):
		return http.StatusConflict, "JOB_ALREADY_TERMINAL"
	case jobs.IsStillRunning(err):
		return http.StatusConflict, "JOB_STILL_RUNNING"
	case jobs.IsConflict(err):
		return http.StatusConflict, "VERSION_CONFLICT"
	case jobs.IsNotReady(err):
		return http.StatusConflict, "ARTIFACT_NOT_READY"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// httpStatusText returns human-readable text for HTTP status codes
func httpStatusText(statusCode int) string {
	switch statusCode {
	case http.StatusOK:
		return "OK"
	case http.StatusBadRequest:
		return "Bad Request"
	case http.StatusNotFound:
		return "Not Found"
	case http.StatusConflict:
		return "Conflict"
	case http.StatusTooManyRequests:
		return "Too Many Requests"
	case http.StatusInternalServerError:
		return "Internal Server Error"
	case http.StatusServiceUnavailable:
		return "Service Unavailable"
	default:
		return http.StatusText(statusCode)
	}
}

// WriteJSONError writes a custom JSON error response with a specific status code.
// Use this when you need fine-grained control over the error response.
//
// Example:
//
//	WriteJSONError(w, http.StatusBadRequest, "Bad Request", "INVALID_CURSOR", "cursor is malformed")
func WriteJSONError(w http.ResponseWriter, statusCode int, errorType, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error:   errorType,
		Code:    errorCode,
		Message: message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().
			Str("component", "api").
			Err(err).
			Msg("Failed to encode error response")
	}
}

// WriteJSON writes a JSON response to the client.
// Use this for successful API responses.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().
			Str("component", "api").
			Err(err).
			Msg("Failed to encode JSON response")
	}
}
