package utils

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("validation failed")
	ErrCircular     = errors.New("circular reference")
	ErrUnavailable  = errors.New("service unavailable")
)

const (
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidInput = "INVALID_INPUT"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeValidation   = "VALIDATION_ERROR"
	CodeCircular     = "CIRCULAR_REFERENCE"
	CodeUnavailable  = "UNAVAILABLE"
)

type AppError struct {
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an AppError against the sentinel for its code.
func (e *AppError) Is(target error) bool {
	switch e.Code {
	case CodeNotFound:
		return target == ErrNotFound
	case CodeInvalidInput:
		return target == ErrInvalidInput
	case CodeUnauthorized:
		return target == ErrUnauthorized
	case CodeForbidden:
		return target == ErrForbidden
	case CodeValidation:
		return target == ErrValidation
	case CodeCircular:
		return target == ErrCircular
	case CodeUnavailable:
		return target == ErrUnavailable
	}
	return false
}

func NewAppError(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsCircular(err error) bool {
	return errors.Is(err, ErrCircular)
}
