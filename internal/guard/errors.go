// Package guard implements the protection core every skill invocation
// passes through: circuit breaking, rate limiting, heartbeat watchdog,
// anomaly detection, auto-healing, metrics collection and alerting.
package guard

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is matching. The concrete error types below
// wrap these so callers can branch on the class without losing detail.
var (
	// ErrBreakerOpen is returned when a call is short-circuited; the
	// wrapped operation was not invoked.
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrRateLimitExceeded is returned when a call is denied by the rate
	// limiter before invocation.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrOperationTimeout marks a wrapped operation that exceeded its
	// deadline. It counts as a failure identical to a returned error.
	ErrOperationTimeout = errors.New("operation timed out")
)

// BreakerOpenError reports a short-circuited call. It is distinguishable
// from the wrapped operation's own errors so callers can choose a
// fallback path deterministically.
type BreakerOpenError struct {
	Key        string
	State      BreakerState
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s, retry after %s", e.Key, e.State, e.RetryAfter.Round(time.Millisecond))
}

// Unwrap makes errors.Is(err, ErrBreakerOpen) hold.
func (e *BreakerOpenError) Unwrap() error { return ErrBreakerOpen }

// RateLimitError reports a call denied by the token bucket for a key.
type RateLimitError struct {
	Key        string
	Cost       float64
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q (cost=%.1f), retry after %s", e.Key, e.Cost, e.RetryAfter.Round(time.Millisecond))
}

// Unwrap makes errors.Is(err, ErrRateLimitExceeded) hold.
func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// OperationError wraps the protected operation's own failure. The error
// is recovered only to update breaker and metric state, then re-returned
// unchanged inside this wrapper.
type OperationError struct {
	Key      string
	Err      error
	TimedOut bool
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("operation %q timed out: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("operation %q failed: %v", e.Key, e.Err)
}

// Unwrap returns the operation's original error.
func (e *OperationError) Unwrap() error { return e.Err }

// HealingFailedError reports that a registered corrective action itself
// failed.
type HealingFailedError struct {
	ActionType string
	TargetKey  string
	Err        error
}

// Error implements the error interface.
func (e *HealingFailedError) Error() string {
	return fmt.Sprintf("healing action %s on %q failed: %v", e.ActionType, e.TargetKey, e.Err)
}

// Unwrap returns the handler's error.
func (e *HealingFailedError) Unwrap() error { return e.Err }

// IsProtectionError reports whether err was raised by the protection
// layer itself rather than by the wrapped operation.
func IsProtectionError(err error) bool {
	return errors.Is(err, ErrBreakerOpen) || errors.Is(err, ErrRateLimitExceeded)
}
