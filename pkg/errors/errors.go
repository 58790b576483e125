// Package errors defines the error taxonomy for the throttle core.
//
// Only QuotaExceededError crosses the core's public boundary; tier and
// config failures are absorbed internally by the fallback chain.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ================================================================================
// AppError
// ================================================================================

// AppError is a structured application error carrying a stable code, an HTTP
// status for transport adapters, and an optional cause chain.
type AppError struct {
	code       string
	httpStatus int
	message    string
	cause      error
	metadata   map[string]interface{}
}

const (
	CodeInternal          = "internal_error"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeTierUnavailable   = "tier_unavailable"
	CodeConfigUnavailable = "config_unavailable"
	CodeQuotaExceeded     = "quota_exceeded"
)

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the stable error code.
func (e *AppError) Code() string {
	return e.code
}

// HTTPStatus returns the HTTP status code transport adapters should use.
func (e *AppError) HTTPStatus() int {
	return e.httpStatus
}

// Unwrap returns the underlying cause for error-chain support.
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause attaches a cause error to the chain.
func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.cause = cause
	return &clone
}

// WithMetadata attaches additional context metadata.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	clone := *e
	clone.metadata = make(map[string]interface{}, len(e.metadata)+1)
	for k, v := range e.metadata {
		clone.metadata[k] = v
	}
	clone.metadata[key] = value
	return &clone
}

// Metadata returns all attached metadata.
func (e *AppError) Metadata() map[string]interface{} {
	return e.metadata
}

// New creates a new AppError.
func New(code string, httpStatus int, message string) *AppError {
	return &AppError{code: code, httpStatus: httpStatus, message: message}
}

// ================================================================================
// Predefined Constructors
// ================================================================================

// ErrInvalidRequest creates an invalid_request error.
func ErrInvalidRequest(message string) *AppError {
	return New(CodeInvalidRequest, http.StatusBadRequest, message)
}

// ErrInternal creates an internal_error.
func ErrInternal(message string) *AppError {
	return New(CodeInternal, http.StatusInternalServerError, message)
}

// ErrNotFound creates a not_found error.
func ErrNotFound(message string) *AppError {
	return New(CodeNotFound, http.StatusNotFound, message)
}

// ErrTierUnavailable marks an infrastructure failure of a storage tier.
// The orchestrator catches it and degrades one tier down; it never reaches
// the caller.
func ErrTierUnavailable(tier string, cause error) *AppError {
	return New(CodeTierUnavailable, http.StatusServiceUnavailable,
		fmt.Sprintf("tier %q unavailable", tier)).WithCause(cause).WithMetadata("tier", tier)
}

// ErrConfigUnavailable marks an unreachable config source. Callers fall back
// to hard-coded defaults.
func ErrConfigUnavailable(cause error) *AppError {
	return New(CodeConfigUnavailable, http.StatusServiceUnavailable,
		"quota config source unavailable").WithCause(cause)
}

// IsTierUnavailable reports whether err is (or wraps) a tier failure.
func IsTierUnavailable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.code == CodeTierUnavailable
}

// TierFromError returns the tier name attached to a tier failure, or "".
func TierFromError(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.code != CodeTierUnavailable {
		return ""
	}
	if tier, ok := appErr.metadata["tier"].(string); ok {
		return tier
	}
	return ""
}

// ================================================================================
// QuotaExceededError
// ================================================================================

// QuotaExceededError is the deliberate rejection of a request that is over
// its effective limit. It is the only error the core surfaces to callers.
type QuotaExceededError struct {
	Current    int64
	Max        int64
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d/%d, retry after %s", e.Current, e.Max, e.RetryAfter)
}

// AsQuotaExceeded extracts a QuotaExceededError from an error chain.
func AsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
