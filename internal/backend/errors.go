package backend

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials indicates the provided email or password are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAuthExpired indicates the session credential elapsed its validity window.
	ErrAuthExpired = errors.New("session expired")
	// ErrAuthRevoked indicates the session credential was invalidated server-side.
	ErrAuthRevoked = errors.New("session revoked")
	// ErrCsrfMismatch indicates the double-submit check failed for the request.
	ErrCsrfMismatch = errors.New("csrf token mismatch")
)

// ValidationError reports a caller-input problem. It is surfaced immediately
// and causes no state change.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ThrottledError reports a rate-limited request. It is never retried
// automatically; the caller decides how to back off.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("throttled, retry after %s", e.RetryAfter)
	}
	return "throttled"
}

// TransientError reports a transport-class failure (network, 5xx). Transient
// failures never degrade session state; the next scheduled poll is the only
// retry mechanism.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// IsAuthFailure reports whether the error is fatal to the session
// (expired or revoked credential). Invalid login credentials are not an
// auth failure in this sense: there is no session to terminate.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrAuthRevoked)
}

// IsTransient reports whether the error is recoverable by a later retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
