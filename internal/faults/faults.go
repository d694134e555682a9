// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package faults defines the error taxonomy shared by the breaker, the call
// client, the job store and the realtime registry.
//
// Errors are plain structs implementing error and Unwrap, so callers match them
// with errors.As and still reach the underlying cause:
//
//	var open *faults.CircuitOpenError
//	if errors.As(err, &open) {
//	    return fallback()
//	}
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Class groups errors by how the caller should react.
type Class int

const (
	// ClassTransient errors may succeed on retry.
	ClassTransient Class = iota
	// ClassTerminal errors will fail again and must not be retried.
	ClassTerminal
	// ClassCircuitOpen errors are fast-fails from an open breaker.
	ClassCircuitOpen
	// ClassCanceled means the caller's context ended.
	ClassCanceled
)

// String returns the class name used in logs and metric labels.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTerminal:
		return "terminal"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// TransientError is a retryable failure: timeout, 5xx or 429.
type TransientError struct {
	Op    string
	Cause error
}

// Transient wraps cause as a TransientError.
func Transient(op string, cause error) *TransientError {
	return &TransientError{Op: op, Cause: cause}
}

func (e *TransientError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: transient failure", e.Op)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// TerminalError is a failure that will not go away on retry (4xx, bad input).
type TerminalError struct {
	Op    string
	Cause error
}

// Terminal wraps cause as a TerminalError.
func Terminal(op string, cause error) *TerminalError {
	return &TerminalError{Op: op, Cause: cause}
}

func (e *TerminalError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: terminal failure", e.Op)
	}
	return fmt.Sprintf("%s: terminal failure: %v", e.Op, e.Cause)
}

func (e *TerminalError) Unwrap() error { return e.Cause }

// CircuitOpenError is returned without invoking the protected call while a
// breaker is OPEN, or while its single HALF_OPEN trial is in flight.
type CircuitOpenError struct {
	Breaker string
	// RetryAfter is the remaining open time; zero during a half-open trial.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %q is open (retry after %s)", e.Breaker, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit %q is open", e.Breaker)
}

// DeadLetterError is recorded on a job that exhausted its attempts or failed
// terminally.
type DeadLetterError struct {
	JobID    string
	Queue    string
	Attempts int
	Cause    error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("job %s on queue %s dead-lettered after %d attempt(s): %v", e.JobID, e.Queue, e.Attempts, e.Cause)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }

// StalledJobError is recorded when a lease expired without ack or fail.
type StalledJobError struct {
	JobID          string
	Queue          string
	LeaseExpiredAt time.Time
}

func (e *StalledJobError) Error() string {
	return fmt.Sprintf("job %s on queue %s stalled: lease expired at %s", e.JobID, e.Queue, e.LeaseExpiredAt.UTC().Format(time.RFC3339))
}

// AuthError is a rejected realtime handshake.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause == nil {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// HTTPStatusError carries a non-2xx response status from a remote call.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	if e.Status != "" {
		return "unexpected response status: " + e.Status
	}
	return fmt.Sprintf("unexpected response status: %d", e.StatusCode)
}

// Retryable reports whether the status is worth retrying: 5xx, 408 and 429.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// Classify decides how err should be treated by retry loops.
//
// Explicitly tagged errors win. Untagged errors are classified by shape:
// deadline and network timeouts are transient, HTTP statuses follow
// HTTPStatusError.Retryable, and anything unrecognised is transient so that a
// flaky dependency gets its retry budget.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var open *CircuitOpenError
	if errors.As(err, &open) {
		return ClassCircuitOpen
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return ClassTerminal
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	var status *HTTPStatusError
	if errors.As(err, &status) {
		if status.Retryable() {
			return ClassTransient
		}
		return ClassTerminal
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassTransient
}

// IsTerminal is shorthand for Classify(err) == ClassTerminal.
func IsTerminal(err error) bool {
	return err != nil && Classify(err) == ClassTerminal
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var open *CircuitOpenError
	return errors.As(err, &open)
}
