package domain

import (
	"errors"
	"fmt"
)

// Code classifies an error for API mapping and logging. Codes are stable
// strings; clients may branch on them.
type Code string

const (
	CodeValidation   Code = "validation"
	CodeConflict     Code = "conflict"
	CodeNotFound     Code = "not_found"
	CodeUnavailable  Code = "unavailable"
	CodeCircuitOpen  Code = "circuit_open"
	CodeUnauthorized Code = "unauthorized"
)

// Error is the typed error every service returns. Wrap lower-level causes
// with WithCause so errors.Is/As keep working through it.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error and returns the receiver.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return newError(CodeValidation, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return newError(CodeConflict, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

func Unavailablef(format string, args ...any) *Error {
	return newError(CodeUnavailable, format, args...)
}

func CircuitOpenf(format string, args ...any) *Error {
	return newError(CodeCircuitOpen, format, args...)
}

func Unauthorizedf(format string, args ...any) *Error {
	return newError(CodeUnauthorized, format, args...)
}

// CodeOf returns the code carried by err, or empty when err is not a typed
// domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
