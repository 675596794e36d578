package util

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// StatusClientClosedRequest is the non-standard status used when the
// client went away before admission completed.
const StatusClientClosedRequest = 499

// Common sentinel errors.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrConflict        = errors.New("conflict")
	ErrCanceled        = errors.New("request canceled")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConfigInvalid   = errors.New("invalid configuration")
)

// AuthReason describes why a credential was rejected.
type AuthReason string

// Authentication failure reasons.
const (
	ReasonMalformed    AuthReason = "malformed"
	ReasonBadSignature AuthReason = "bad_signature"
	ReasonExpired      AuthReason = "expired"
	ReasonBadClaims    AuthReason = "bad_claims"
)

// UnauthenticatedError is returned when a credential cannot be verified.
type UnauthenticatedError struct {
	Reason AuthReason
	Cause  error
}

// Error implements the error interface.
func (e *UnauthenticatedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unauthenticated (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("unauthenticated (%s)", e.Reason)
}

// Unwrap returns the underlying error.
func (e *UnauthenticatedError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UnauthenticatedError) Is(target error) bool {
	if target == ErrUnauthenticated {
		return true
	}
	_, ok := target.(*UnauthenticatedError)
	return ok
}

// NewUnauthenticatedError creates a new UnauthenticatedError.
func NewUnauthenticatedError(reason AuthReason, cause error) *UnauthenticatedError {
	return &UnauthenticatedError{Reason: reason, Cause: cause}
}

// ForbiddenError is returned when the caller lacks the scope a route requires.
type ForbiddenError struct {
	MissingScope string
}

// Error implements the error interface.
func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: missing scope %q", e.MissingScope)
}

// Is checks if the error matches the target.
func (e *ForbiddenError) Is(target error) bool {
	if target == ErrForbidden {
		return true
	}
	_, ok := target.(*ForbiddenError)
	return ok
}

// NewForbiddenError creates a new ForbiddenError.
func NewForbiddenError(scope string) *ForbiddenError {
	return &ForbiddenError{MissingScope: scope}
}

// RouteNotFoundError represents a route not found error.
type RouteNotFoundError struct {
	Path   string
	Method string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route found for %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, path string) *RouteNotFoundError {
	return &RouteNotFoundError{Path: path, Method: method}
}

// RateLimitedError represents a rate limit exceeded error.
type RateLimitedError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded (limit: %d, retry after: %v)", e.Limit, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitedError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitedError)
	return ok
}

// NewRateLimitedError creates a new RateLimitedError.
func NewRateLimitedError(key string, limit int, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Key: key, Limit: limit, RetryAfter: retryAfter}
}

// CircuitOpenError represents a circuit breaker open error.
type CircuitOpenError struct {
	Upstream string
	State    string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Upstream, e.State)
}

// Is checks if the error matches the target.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(upstream, state string) *CircuitOpenError {
	return &CircuitOpenError{Upstream: upstream, State: state}
}

// ConflictError is returned when registering a route whose pattern is
// already present.
type ConflictError struct {
	Pattern string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("route pattern already registered: %s", e.Pattern)
}

// Is checks if the error matches the target.
func (e *ConflictError) Is(target error) bool {
	if target == ErrConflict {
		return true
	}
	_, ok := target.(*ConflictError)
	return ok
}

// NewConflictError creates a new ConflictError.
func NewConflictError(pattern string) *ConflictError {
	return &ConflictError{Pattern: pattern}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// HTTPStatus maps an admission error to the status code the HTTP layer
// should answer with. Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCanceled):
		return StatusClientClosedRequest
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// RetryAfterSeconds renders d as a Retry-After header value. Partial
// seconds round up so clients never retry too early.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
