// Package errors provides the coded application error used across the
// service. Codes map onto HTTP and gRPC status at the transport edge.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeInvalidInput     Code = "INVALID_INPUT"
	ErrCodeNotFound         Code = "NOT_FOUND"
	ErrCodeConflict         Code = "CONFLICT"
	ErrCodeUnauthorized     Code = "UNAUTHORIZED"
	ErrCodeInternal         Code = "INTERNAL"
	ErrCodeArtifactNotFound Code = "ARTIFACT_NOT_FOUND"
	ErrCodeProviderFailure  Code = "PROVIDER_FAILURE"
	ErrCodeReconciliation   Code = "RECONCILIATION_FAILED"
)

// Error is a coded error with an optional field and cause.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the HTTP status matching the error code.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Code)
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// InvalidInput reports a rejected input field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, id)}
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// ErrCodeInternal when there is none. Errors outside this package can take
// part by implementing ErrorCode() Code.
func CodeOf(err error) Code {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Code
		case interface{ ErrorCode() Code }:
			return e.ErrorCode()
		}
		err = stderrors.Unwrap(err)
	}
	return ErrCodeInternal
}

// IsValidation reports whether err is a local validation failure, i.e. one
// that is raised before the provider is contacted.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInvalidInput, ErrCodeConflict, ErrCodeArtifactNotFound, ErrCodeUnauthorized:
		return true
	}
	return false
}

// StatusFor maps a code to an HTTP status.
func StatusFor(code Code) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeArtifactNotFound:
		return http.StatusUnprocessableEntity
	case ErrCodeProviderFailure:
		return http.StatusBadGateway
	case ErrCodeReconciliation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
