// Package errors defines the engine error taxonomy. Every failure that crosses
// a component boundary is carried as an *Error with a stable code, so the
// scheduler can make retry decisions without inspecting implementation types.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Code is a stable error classification shared across components.
type Code string

const (
	CodeValidation             Code = "validation_error"
	CodeDispatch               Code = "dispatch_error"
	CodeProviderTimeout        Code = "provider_timeout"
	CodeProviderUnavailable    Code = "provider_unavailable"
	CodeProviderAuth           Code = "provider_auth"
	CodeDecisionNoMatch        Code = "decision_no_match"
	CodeIterationLimitExceeded Code = "iteration_limit_exceeded"
	CodeStorageConflict        Code = "storage_conflict"
	CodeCompatibilityBlocked   Code = "compatibility_blocked"
	CodeInternal               Code = "internal_error"
)

// Error is the engine error envelope. Retryable drives the scheduler's backoff
// policy; Details surface in the API error envelope.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	wrapped   error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// New creates an engine error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: defaultRetryable(code)}
}

// Wrap attaches an engine code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(code),
		wrapped:   err,
	}
}

// WithDetails returns a copy of e carrying additional detail fields.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// WithRetryable overrides the default retryability of the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	clone := *e
	clone.Retryable = retryable
	return &clone
}

// defaultRetryable encodes the retry policy: provider failures and storage
// contention retry, dispatch duplicates and validation failures never do.
func defaultRetryable(code Code) bool {
	switch code {
	case CodeProviderTimeout, CodeProviderUnavailable, CodeStorageConflict:
		return true
	default:
		return false
	}
}

// CodeOf extracts the engine code from err, defaulting to internal_error.
func CodeOf(err error) Code {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err may be retried by the scheduler.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Retryable
	}
	return false
}

// As proxies errors.As so callers need only this package.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is proxies errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// ClassifyProvider maps a raw adapter error to one of the provider_* codes.
// Unclassifiable errors become internal_error, which is not retried.
func ClassifyProvider(err error) Code {
	if err == nil {
		return ""
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		switch engineErr.Code {
		case CodeProviderTimeout, CodeProviderUnavailable, CodeProviderAuth:
			return engineErr.Code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeProviderTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeProviderTimeout
	}
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return CodeProviderUnavailable
		case syscall.ETIMEDOUT:
			return CodeProviderTimeout
		}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "timeout", "deadline exceeded", "504"):
		return CodeProviderTimeout
	case containsAny(lower, "unauthorized", "401", "403", "invalid api key", "authentication"):
		return CodeProviderAuth
	case containsAny(lower, "connection refused", "connection reset", "unavailable", "502", "503", "429", "overloaded"):
		return CodeProviderUnavailable
	}
	return CodeInternal
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
