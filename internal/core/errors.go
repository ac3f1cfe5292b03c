// Package core holds the shared error taxonomy and small domain types used
// across the trust engine. Every failure a caller can see is a *Error with a
// Kind, so components and the audit trail agree on what went wrong.
package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindValidation     ErrorKind = "VALIDATION"
	KindNotFound       ErrorKind = "NOT_FOUND"
	KindAuthExpired    ErrorKind = "AUTH_EXPIRED"
	KindMaxAttempts    ErrorKind = "MAX_ATTEMPTS_EXCEEDED"
	KindInvalidState   ErrorKind = "INVALID_STATE"
	KindSessionLocked  ErrorKind = "SESSION_LOCKED"
	KindDuplicateVote  ErrorKind = "DUPLICATE_VOTE"
	KindTamperDetected ErrorKind = "TAMPER_DETECTED"
	KindAccessDenied   ErrorKind = "ACCESS_DENIED"
	KindTransientInfra ErrorKind = "TRANSIENT_INFRA"
)

// Error is a structured engine error carrying kind + human-readable cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is makes errors.Is match on kind, so callers can compare against the
// sentinel values below without caring about the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrAuthExpired    = &Error{Kind: KindAuthExpired}
	ErrMaxAttempts    = &Error{Kind: KindMaxAttempts}
	ErrInvalidState   = &Error{Kind: KindInvalidState}
	ErrSessionLocked  = &Error{Kind: KindSessionLocked}
	ErrDuplicateVote  = &Error{Kind: KindDuplicateVote}
	ErrTamperDetected = &Error{Kind: KindTamperDetected}
	ErrAccessDenied   = &Error{Kind: KindAccessDenied}
	ErrTransient      = &Error{Kind: KindTransientInfra}
)

// NewError builds a structured error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapTransient marks an infrastructure failure as retryable.
func WrapTransient(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransientInfra, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// KindOf extracts the ErrorKind from any error, or "" for plain errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// SecurityRelevant reports whether an error kind must be mirrored into the
// security event log (rejected attempts are audited, not only successes).
func SecurityRelevant(kind ErrorKind) bool {
	switch kind {
	case KindMaxAttempts, KindTamperDetected, KindSessionLocked, KindAccessDenied:
		return true
	}
	return false
}
