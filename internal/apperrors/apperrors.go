// Package apperrors is the error-kind vocabulary every component in the
// substrate returns, so internal/server/errors.go has one place to
// dispatch on instead of matching dozens of domain-specific sentinels.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is the small enum spec.md §7 maps to HTTP status codes.
type Kind string

const (
	Unauthenticated   Kind = "UNAUTHENTICATED"
	Forbidden         Kind = "FORBIDDEN"
	BadRequest        Kind = "BAD_REQUEST"
	NotFound          Kind = "NOT_FOUND"
	Conflict          Kind = "CONFLICT"
	ResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	Internal          Kind = "INTERNAL"
)

// Error wraps a Kind, a human message, and optional structured fields (the
// balance gate's {errorCode, balanceType} body rides in Fields).
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Fields  map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to an underlying cause, preserving it for errors.Is/As.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// WithCode attaches a machine-readable error code (e.g. "BALANCE_EXCEEDED").
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithField attaches a structured response field (e.g. balanceType).
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Fields[key] = value
	return e
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, else Internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}
