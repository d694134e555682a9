// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package breaker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/switchyard/internal/events"
	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/metrics"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

var errBoom = errors.New("boom")

type eventLog struct {
	mu    sync.Mutex
	names []events.Name
}

func (l *eventLog) Observe(e events.Event) {
	l.mu.Lock()
	l.names = append(l.names, e.Name)
	l.mu.Unlock()
}

func (l *eventLog) count(n events.Name) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := 0
	for _, got := range l.names {
		if got == n {
			c++
		}
	}
	return c
}

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, s Settings) (*Breaker, *fakeClock, *eventLog) {
	t.Helper()
	log := &eventLog{}
	if s.Name == "" {
		s.Name = t.Name()
	}
	s.Observer = log
	b := New(s)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b.now = clock.Now
	return b, clock, log
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestDefaults(t *testing.T) {
	b := New(Settings{Name: "defaults"})
	if b.settings.ThresholdPct != 50 || b.settings.WindowSize != 10 {
		t.Errorf("threshold/window = %v/%d, want 50/10", b.settings.ThresholdPct, b.settings.WindowSize)
	}
	if b.settings.OpenDuration != 30*time.Second || b.settings.CallTimeout != 10*time.Second {
		t.Errorf("open/timeout = %v/%v", b.settings.OpenDuration, b.settings.CallTimeout)
	}
	if b.State() != StateClosed {
		t.Errorf("new breaker state = %v, want closed", b.State())
	}
}

func TestTripsWhenWindowFailureRateExceedsThreshold(t *testing.T) {
	b, _, log := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 10, OpenDuration: 30 * time.Second})
	ctx := context.Background()

	// 4 successes then 6 failures: the breaker must stay closed until the
	// window is full.
	for i := 0; i < 4; i++ {
		if err := b.Execute(ctx, succeed); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	for i := 0; i < 6; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("failing call %d returned %v, want errBoom", i+5, err)
		}
		if i < 5 && b.State() != StateClosed {
			t.Fatalf("breaker opened after %d calls, before window filled", i+5)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 6/10 failures = %v, want open", got)
	}

	var invoked atomic.Int32
	err := b.Execute(ctx, func(context.Context) error {
		invoked.Add(1)
		return nil
	})

	var openErr *faults.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("11th call returned %v, want *faults.CircuitOpenError", err)
	}
	if openErr.Breaker != b.Name() {
		t.Errorf("CircuitOpenError.Breaker = %q, want %q", openErr.Breaker, b.Name())
	}
	if openErr.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", openErr.RetryAfter)
	}
	if invoked.Load() != 0 {
		t.Errorf("protected function invoked %d times while open", invoked.Load())
	}
	if log.count(events.BreakerOpened) != 1 {
		t.Errorf("breaker.opened emitted %d times, want 1", log.count(events.BreakerOpened))
	}
	if log.count(events.BreakerRejected) != 1 {
		t.Errorf("breaker.rejected emitted %d times, want 1", log.count(events.BreakerRejected))
	}
	if v := testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues(b.Name())); v != metrics.StateValue("open") {
		t.Errorf("state gauge = %v, want open", v)
	}
}

func TestStaysClosedBelowThreshold(t *testing.T) {
	b, _, _ := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 10})
	ctx := context.Background()

	// 4 failures in every 10 keeps the rolling rate at 40%.
	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			fn := succeed
			if i < 4 {
				fn = fail
			}
			_ = b.Execute(ctx, fn)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed at 40%% failure rate", got)
	}
}

func TestFailureRateAtThresholdStaysClosed(t *testing.T) {
	b, _, log := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 10, OpenDuration: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, succeed)
	}
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 5/10 failures at threshold 50 = %v, want closed", got)
	}
	if log.count(events.BreakerOpened) != 0 {
		t.Errorf("breaker.opened emitted %d times, want 0", log.count(events.BreakerOpened))
	}

	// The next failure evicts the oldest success: 6/10 exceeds the threshold.
	_ = b.Execute(ctx, fail)
	if got := b.State(); got != StateOpen {
		t.Errorf("state after 6/10 failures = %v, want open", got)
	}
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	b, clock, log := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 2, OpenDuration: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("want open after 2/2 failures")
	}

	clock.Advance(59 * time.Second)
	if err := b.Execute(ctx, succeed); !faults.IsCircuitOpen(err) {
		t.Fatalf("call before open duration elapsed returned %v", err)
	}

	clock.Advance(time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after open duration = %v, want half-open", got)
	}
	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after successful trial = %v, want closed", got)
	}

	snap := b.Snapshot()
	if snap.Failures != 0 || snap.Successes != 0 {
		t.Errorf("counters not reset on close: %+v", snap)
	}
	if log.count(events.BreakerHalfOpen) != 1 || log.count(events.BreakerClosed) != 1 {
		t.Errorf("transition events: %v", log.names)
	}
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	b, clock, log := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 2, OpenDuration: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clock.Advance(time.Minute)

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("trial returned %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after failed trial = %v, want open", got)
	}

	snap := b.Snapshot()
	if want := clock.Now().Add(time.Minute); !snap.OpenUntil.Equal(want) {
		t.Errorf("OpenUntil = %v, want %v (timer restarted)", snap.OpenUntil, want)
	}
	if log.count(events.BreakerOpened) != 2 {
		t.Errorf("breaker.opened emitted %d times, want 2", log.count(events.BreakerOpened))
	}
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	b, clock, _ := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 1, OpenDuration: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var invoked atomic.Int32
	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(context.Context) error {
			invoked.Add(1)
			return nil
		})
		if !faults.IsCircuitOpen(err) {
			t.Errorf("concurrent call %d during trial returned %v, want circuit open", i, err)
		}
	}
	if invoked.Load() != 0 {
		t.Errorf("%d calls ran alongside the trial", invoked.Load())
	}

	close(release)
	if err := <-trialDone; err != nil {
		t.Fatalf("trial: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	b, _, _ := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 1, CallTimeout: 20 * time.Millisecond})

	start := time.Now()
	err := b.Execute(context.Background(), func(context.Context) error {
		time.Sleep(500 * time.Millisecond) // ignores ctx on purpose
		return nil
	})
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Execute waited %v for a call past its timeout", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if faults.Classify(err) != faults.ClassTransient {
		t.Errorf("timeout classified as %v, want transient", faults.Classify(err))
	}
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after timed out call", b.State())
	}
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	b, _, _ := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestStaleOutcomeIgnored(t *testing.T) {
	b, _, _ := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 2, OpenDuration: time.Hour})
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	slow := make(chan error, 1)
	go func() {
		slow <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("want open")
	}

	close(release)
	if err := <-slow; err != nil {
		t.Fatalf("slow call: %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("success from a previous generation changed state to %v", b.State())
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	b, _, _ := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 1})

	err := b.Execute(context.Background(), func(context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from panicking call")
	}
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open", b.State())
	}
}

func TestDoReturnsValue(t *testing.T) {
	b, _, _ := newTestBreaker(t, Settings{})

	got, err := Do(context.Background(), b, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("Do = %d, %v; want 42, nil", got, err)
	}

	got, err = Do(context.Background(), b, func(context.Context) (int, error) {
		return 7, errBoom
	})
	if !errors.Is(err, errBoom) || got != 0 {
		t.Errorf("Do = %d, %v; want 0, errBoom", got, err)
	}
}

func TestReset(t *testing.T) {
	b, _, _ := newTestBreaker(t, Settings{ThresholdPct: 50, WindowSize: 1})
	_ = b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatal("want open")
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %v", b.State())
	}
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Errorf("call after Reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateHalfOpen, "half-open"},
		{StateOpen, "open"},
		{State(9), "unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
