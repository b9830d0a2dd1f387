package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sumandas0/fleetadmin/pkg/utils"
)

// ErrorType represents the kind of failure the backend reported.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeRateLimited  ErrorType = "rate_limited"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnknown      ErrorType = "unknown"
)

// APIError is a non-2xx response. The record backend answers with
// {"code": 400, "message": "...", "data": {...}}, where data holds
// per-field validation failures.
type APIError struct {
	Type    ErrorType      `json:"-"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	Code    int            `json:"code"`
	Method  string         `json:"-"`
	URL     string         `json:"-"`
}

func (e *APIError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s %s: %d %s: %s (details: %v)", e.Method, e.URL, e.Code, e.Type, e.Message, e.Data)
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.Code, e.Type, e.Message)
}

func (e *APIError) StatusCode() int {
	return e.Code
}

// Is lets callers match transport failures against the shared sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Type {
	case ErrorTypeNotFound:
		return target == utils.ErrNotFound
	case ErrorTypeValidation:
		return target == utils.ErrValidation
	case ErrorTypeUnauthorized:
		return target == utils.ErrUnauthorized
	case ErrorTypeForbidden:
		return target == utils.ErrForbidden
	case ErrorTypeInternal, ErrorTypeRateLimited:
		return target == utils.ErrUnavailable
	}
	return false
}

func (e *APIError) IsValidation() bool {
	return e.Type == ErrorTypeValidation
}

func (e *APIError) IsNotFound() bool {
	return e.Type == ErrorTypeNotFound
}

func (e *APIError) IsUnauthorized() bool {
	return e.Type == ErrorTypeUnauthorized
}

// FieldErrors flattens the per-field messages of a validation failure.
func (e *APIError) FieldErrors() map[string]string {
	out := make(map[string]string)
	for field, raw := range e.Data {
		detail, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if msg, ok := detail["message"].(string); ok {
			out[field] = msg
		}
	}
	return out
}

func errorTypeForStatus(status int) ErrorType {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusUnauthorized:
		return ErrorTypeUnauthorized
	case status == http.StatusForbidden:
		return ErrorTypeForbidden
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimited
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ErrorTypeUnknown
	}
}

func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
