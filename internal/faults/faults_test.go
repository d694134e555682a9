// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient tag", Transient("call", base), ClassTransient},
		{"terminal tag", Terminal("call", base), ClassTerminal},
		{"wrapped terminal", fmt.Errorf("outer: %w", Terminal("call", base)), ClassTerminal},
		{"circuit open", &CircuitOpenError{Breaker: "billing"}, ClassCircuitOpen},
		{"wrapped circuit open", fmt.Errorf("call: %w", &CircuitOpenError{Breaker: "billing"}), ClassCircuitOpen},
		{"500", &HTTPStatusError{StatusCode: 500}, ClassTransient},
		{"503", &HTTPStatusError{StatusCode: 503}, ClassTransient},
		{"429", &HTTPStatusError{StatusCode: 429}, ClassTransient},
		{"408", &HTTPStatusError{StatusCode: 408}, ClassTransient},
		{"400", &HTTPStatusError{StatusCode: 400}, ClassTerminal},
		{"404", &HTTPStatusError{StatusCode: 404}, ClassTerminal},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassCanceled},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"unknown", base, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUnwrapChains(t *testing.T) {
	cause := errors.New("disk full")

	dl := &DeadLetterError{JobID: "j1", Queue: "email", Attempts: 3, Cause: cause}
	if !errors.Is(dl, cause) {
		t.Error("DeadLetterError should unwrap to its cause")
	}
	if !strings.Contains(dl.Error(), "3 attempt") {
		t.Errorf("unexpected message %q", dl.Error())
	}

	auth := &AuthError{Reason: "token expired", Cause: cause}
	if !errors.Is(auth, cause) {
		t.Error("AuthError should unwrap to its cause")
	}
}

func TestCircuitOpenErrorMessage(t *testing.T) {
	err := &CircuitOpenError{Breaker: "billing", RetryAfter: 1500 * time.Millisecond}
	if !strings.Contains(err.Error(), "1.5s") {
		t.Errorf("message %q should include remaining time", err.Error())
	}
	if !IsCircuitOpen(fmt.Errorf("x: %w", err)) {
		t.Error("IsCircuitOpen should see through wrapping")
	}
	if IsTerminal(nil) {
		t.Error("nil is not terminal")
	}
}

func TestClassString(t *testing.T) {
	for c, want := range map[Class]string{
		ClassTransient:   "transient",
		ClassTerminal:    "terminal",
		ClassCircuitOpen: "circuit_open",
		ClassCanceled:    "canceled",
		Class(99):        "unknown",
	} {
		if c.String() != want {
			t.Errorf("Class(%d).String() = %q, want %q", int(c), c.String(), want)
		}
	}
}
