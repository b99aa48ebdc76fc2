// Package errors defines the error kinds surfaced by the queue engine and helpers
// to map store-level failures onto them.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode is the kind of an AppError. Callers branch on it; the HTTP layer maps it
// to a status and the CLI prints it.
type ErrorCode string

const (
	// ErrCodeNotFound covers unknown ids and ids whose state does not allow the action.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict covers duplicate enqueues and concurrent restarts.
	ErrCodeConflict   ErrorCode = "conflict"
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeInvariant marks a broken precondition. It is never absorbed.
	ErrCodeInvariant ErrorCode = "invariant"
	ErrCodeInternal  ErrorCode = "internal"
	ErrCodeTimeout   ErrorCode = "timeout"
	ErrCodeCanceled  ErrorCode = "canceled"
)

// AppError carries a code, a message and optionally the cause and the offending field.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Field   string
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *AppError) Unwrap() error { return e.Cause }

// New returns an AppError without a cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NotFoundf returns a not_found error.
func NotFoundf(format string, args ...any) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

// Conflictf returns a conflict error.
func Conflictf(format string, args ...any) *AppError {
	return New(ErrCodeConflict, fmt.Sprintf(format, args...))
}

// Validation returns a validation error.
func Validation(message string) *AppError { return New(ErrCodeValidation, message) }

// Validationf returns a validation error.
func Validationf(format string, args ...any) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf(format, args...))
}

// ValidationField returns a validation error naming the offending field, e.g. "args.seconds".
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// Invariantf returns an invariant error.
func Invariantf(format string, args ...any) *AppError {
	return New(ErrCodeInvariant, fmt.Sprintf(format, args...))
}

// Internalf returns an internal error.
func Internalf(format string, args ...any) *AppError {
	return New(ErrCodeInternal, fmt.Sprintf(format, args...))
}

// Wrap attaches code and message to err. A nil err stays nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Is reports whether the outermost AppError in err's chain has code.
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

func IsNotFound(err error) bool   { return Is(err, ErrCodeNotFound) }
func IsConflict(err error) bool   { return Is(err, ErrCodeConflict) }
func IsValidation(err error) bool { return Is(err, ErrCodeValidation) }
func IsInvariant(err error) bool  { return Is(err, ErrCodeInvariant) }
func IsTimeout(err error) bool    { return Is(err, ErrCodeTimeout) }

// GetCode returns the code of the outermost AppError in err's chain, or "".
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the field of the outermost AppError in err's chain, or "".
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
