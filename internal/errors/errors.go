// Package errors provides structured error types for the session daemon.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrShutdown           = errors.New("component is shut down")
	ErrSessionInvalidated = errors.New("session invalidated, account needs re-authentication")
)

// ValidationError reports a session or token rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error for a named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StoreError wraps a durable-store read/write/delete failure. Always
// recoverable; triggers rollback when raised mid-mutation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err with the store operation and key it failed on.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}

// IntegrityError reports a post-write verification mismatch.
type IntegrityError struct {
	AccountID string
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for account %s: %s", e.AccountID, e.Detail)
}

// AuthError reports that the remote service rejected the credentials.
// Never retried; drives the needs-reauth transition.
type AuthError struct {
	AccountID string
	Code      string
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failure for account %s (%s): %v", e.AccountID, e.Code, e.Err)
	}
	return fmt.Sprintf("auth failure for account %s (%s)", e.AccountID, e.Code)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError creates an auth error with the remote error code.
func NewAuthError(accountID, code string, err error) *AuthError {
	return &AuthError{AccountID: accountID, Code: code, Err: err}
}

// TransientError reports a network or service condition worth retrying.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient failure in %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable.
func NewTransientError(op string, statusCode int, err error) *TransientError {
	return &TransientError{Op: op, StatusCode: statusCode, Err: err}
}

// ConcurrencyTimeout reports that a lock wait exceeded its deadline and the
// stale lock was force-cleared.
type ConcurrencyTimeout struct {
	AccountID string
	WaitedFor string
}

func (e *ConcurrencyTimeout) Error() string {
	return fmt.Sprintf("lock wait timed out for account %s after %s", e.AccountID, e.WaitedFor)
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// Auth and validation failures are never retryable.
func IsRetryable(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrTimeout)
}

// IsAuth returns true if the error is an authentication rejection from the
// remote service.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsValidation returns true for pre-write validation rejections.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
