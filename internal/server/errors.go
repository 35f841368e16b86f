// Structured API error types and JSON error response writer.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/plandev/plandev/internal/coordinator"
)

type errorCode string

const (
	codeBadRequest      errorCode = "BAD_REQUEST"
	codeNotFound        errorCode = "NOT_FOUND"
	codeAlreadyRunning  errorCode = "ALREADY_RUNNING"
	codeAlreadyTerminal errorCode = "ALREADY_TERMINAL"
	codeTooManyActive   errorCode = "TOO_MANY_ACTIVE"
	codeShuttingDown    errorCode = "SHUTTING_DOWN"
	codeInternalError   errorCode = "INTERNAL_ERROR"
)

// apiError is an error carrying an HTTP status and a stable error code.
type apiError struct {
	statusCode int
	code       errorCode
	message    string
	details    map[string]any
}

func (e *apiError) Error() string { return e.message }

// WithDetail adds a single key/value to the error details.
func (e *apiError) WithDetail(key string, value any) *apiError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

func badRequest(msg string) *apiError {
	return &apiError{statusCode: http.StatusBadRequest, code: codeBadRequest, message: msg}
}

// mapCoordinatorErr translates coordinator precondition errors into API
// errors with stable codes. Unknown errors surface as 500.
func mapCoordinatorErr(err error) error {
	switch {
	case errors.Is(err, coordinator.ErrInvalid):
		return &apiError{statusCode: http.StatusBadRequest, code: codeBadRequest, message: err.Error()}
	case errors.Is(err, coordinator.ErrNotFound):
		return &apiError{statusCode: http.StatusNotFound, code: codeNotFound, message: err.Error()}
	case errors.Is(err, coordinator.ErrAlreadyRunning):
		return &apiError{statusCode: http.StatusConflict, code: codeAlreadyRunning, message: err.Error()}
	case errors.Is(err, coordinator.ErrAlreadyTerminal):
		return &apiError{statusCode: http.StatusConflict, code: codeAlreadyTerminal, message: err.Error()}
	case errors.Is(err, coordinator.ErrTooManyActive):
		return &apiError{statusCode: http.StatusTooManyRequests, code: codeTooManyActive, message: err.Error()}
	case errors.Is(err, coordinator.ErrShuttingDown):
		return &apiError{statusCode: http.StatusServiceUnavailable, code: codeShuttingDown, message: err.Error()}
	default:
		return err
	}
}

// errorResponse is the JSON envelope for error responses.
type errorResponse struct {
	Error   errorBody      `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

type errorBody struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

// writeError writes a structured JSON error response. Errors that are not
// apiErrors become 500s.
func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	code := codeInternalError
	var details map[string]any

	var ae *apiError
	if errors.As(err, &ae) {
		statusCode = ae.statusCode
		code = ae.code
		details = ae.details
	}

	slog.Error("handler error", "err", err, "statusCode", statusCode, "code", code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := errorResponse{
		Error:   errorBody{Code: code, Message: err.Error()},
		Details: details,
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Warn("failed to encode error response", "err", encErr)
	}
}

// writeJSONResponse writes a JSON success response or a structured error
// response, unifying both paths into a single call.
func writeJSONResponse[Out any](w http.ResponseWriter, output *Out, err error) {
	if err != nil {
		writeError(w, mapCoordinatorErr(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if encErr := json.NewEncoder(w).Encode(output); encErr != nil {
		slog.Warn("failed to encode JSON response", "err", encErr)
	}
}
