// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package breaker implements a failure-rate circuit breaker.
//
// A Breaker is CLOSED while the failure percentage over the last WindowSize
// calls stays at or below ThresholdPct. Once the window is full and the
// percentage exceeds the threshold it trips to OPEN and every call fails fast with
// *faults.CircuitOpenError without running. After OpenDuration the next call
// moves it to HALF_OPEN and runs as the single trial; calls arriving while the
// trial is in flight are rejected. A successful trial closes the breaker with
// fresh counters, a failed one reopens it and restarts the timer.
//
// Transitions bump a generation counter; outcomes of calls started under an
// older generation are ignored so a slow call cannot flip a state it did not
// observe.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/switchyard/internal/events"
	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/metrics"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the state name used in logs and metric labels.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Settings configures a Breaker. Zero values take the defaults.
type Settings struct {
	// Name identifies the protected call-site in errors, logs and metrics.
	Name string

	// ThresholdPct is the failure percentage (0-100] the window must exceed
	// to open the breaker. At 100 the breaker never opens.
	// Default: 50
	ThresholdPct float64

	// WindowSize is the number of most recent calls considered. The breaker
	// never trips before the window is full.
	// Default: 10
	WindowSize int

	// OpenDuration is how long the breaker stays OPEN before allowing a trial.
	// Default: 30s
	OpenDuration time.Duration

	// CallTimeout bounds every call; exceeding it counts as a failure.
	// Zero disables the timeout.
	// Default: 10s
	CallTimeout time.Duration

	// IsFailure decides whether an error counts against the breaker.
	// Default: any error except caller cancellation.
	IsFailure func(error) bool

	// Observer receives breaker.* events. Optional.
	Observer events.Observer
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		ThresholdPct: 50,
		WindowSize:   10,
		OpenDuration: 30 * time.Second,
		CallTimeout:  10 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.ThresholdPct <= 0 || s.ThresholdPct > 100 {
		s.ThresholdPct = def.ThresholdPct
	}
	if s.WindowSize <= 0 {
		s.WindowSize = def.WindowSize
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = def.OpenDuration
	}
	if s.CallTimeout < 0 {
		s.CallTimeout = 0
	}
	if s.IsFailure == nil {
		s.IsFailure = defaultIsFailure
	}
	s.Observer = events.OrDiscard(s.Observer)
	return s
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Snapshot is a point-in-time view of a breaker for health checks and APIs.
type Snapshot struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	Failures         int           `json:"failures"`
	Successes        int           `json:"successes"`
	WindowSize       int           `json:"window_size"`
	ThresholdPct     float64       `json:"threshold_pct"`
	OpenDuration     time.Duration `json:"open_duration"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
	OpenUntil        time.Time     `json:"open_until,omitempty"`
}

// Breaker guards one call-site. Safe for concurrent use.
type Breaker struct {
	settings Settings
	now      func() time.Time

	mu             sync.Mutex
	state          State
	generation     uint64
	outcomes       []bool // ring buffer, true = failure
	next           int
	filled         int
	failures       int
	openUntil      time.Time
	lastTransition time.Time
	trialRunning   bool
}

// New creates a closed breaker.
func New(s Settings) *Breaker {
	s = s.withDefaults()
	b := &Breaker{
		settings: s,
		now:      time.Now,
		outcomes: make([]bool, s.WindowSize),
	}
	b.lastTransition = b.now()

	metrics.CircuitBreakerState.WithLabelValues(s.Name).Set(metrics.StateValue(StateClosed.String()))
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.settings.Name
}

// State returns the current state, moving OPEN to HALF_OPEN when the open
// period has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	var pending []events.Event
	state := b.currentState(b.now(), &pending)
	b.mu.Unlock()
	b.emit(pending)
	return state
}

// Snapshot returns counters and timing for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	var pending []events.Event
	state := b.currentState(b.now(), &pending)
	snap := Snapshot{
		Name:             b.settings.Name,
		State:            state.String(),
		Failures:         b.failures,
		Successes:        b.filled - b.failures,
		WindowSize:       b.settings.WindowSize,
		ThresholdPct:     b.settings.ThresholdPct,
		OpenDuration:     b.settings.OpenDuration,
		LastTransitionAt: b.lastTransition,
	}
	if state == StateOpen {
		snap.OpenUntil = b.openUntil
	}
	b.mu.Unlock()
	b.emit(pending)
	return snap
}

// Reset forces the breaker closed with empty counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var pending []events.Event
	b.setState(StateClosed, b.now(), &pending)
	b.mu.Unlock()
	b.emit(pending)
}

// Execute runs fn under the breaker. It returns *faults.CircuitOpenError
// without calling fn when the breaker rejects the call.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.execute(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Do is the generic form of Execute.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	v, err := b.execute(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result, _ := v.(T)
	return result, nil
}

type callResult struct {
	value any
	err   error
}

func (b *Breaker) execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	generation, err := b.beforeCall()
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	cancel := func() {}
	if b.settings.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.settings.CallTimeout)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("breaker %s: call panicked: %v", b.settings.Name, r)}
			}
		}()
		v, err := fn(callCtx)
		done <- callResult{value: v, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			res = callResult{err: ctx.Err()}
		} else {
			res = callResult{err: faults.Transient("breaker "+b.settings.Name, fmt.Errorf("call exceeded %s: %w", b.settings.CallTimeout, context.DeadlineExceeded))}
		}
	}

	b.afterCall(generation, res.err)
	return res.value, res.err
}

func (b *Breaker) beforeCall() (uint64, error) {
	b.mu.Lock()
	now := b.now()
	var pending []events.Event
	state := b.currentState(now, &pending)

	var rejected *faults.CircuitOpenError
	switch state {
	case StateOpen:
		rejected = &faults.CircuitOpenError{Breaker: b.settings.Name, RetryAfter: b.openUntil.Sub(now)}
	case StateHalfOpen:
		if b.trialRunning {
			rejected = &faults.CircuitOpenError{Breaker: b.settings.Name}
		} else {
			b.trialRunning = true
		}
	}
	generation := b.generation
	b.mu.Unlock()
	b.emit(pending)

	if rejected != nil {
		metrics.CircuitBreakerRequests.WithLabelValues(b.settings.Name, "rejected").Inc()
		b.settings.Observer.Observe(events.New(events.BreakerRejected, b.settings.Name, map[string]any{"state": state.String()}))
		return 0, rejected
	}
	return generation, nil
}

func (b *Breaker) afterCall(generation uint64, err error) {
	failed := b.settings.IsFailure(err)
	canceled := err != nil && !failed

	b.mu.Lock()
	now := b.now()
	var pending []events.Event
	state := b.currentState(now, &pending)
	if generation != b.generation {
		b.mu.Unlock()
		b.emit(pending)
		return
	}

	switch {
	case canceled:
		// The caller gave up; the dependency said nothing either way.
		if state == StateHalfOpen {
			b.trialRunning = false
		}
	case state == StateHalfOpen:
		if failed {
			b.setState(StateOpen, now, &pending)
		} else {
			b.setState(StateClosed, now, &pending)
		}
	case state == StateClosed:
		b.record(failed)
		if b.filled == b.settings.WindowSize && b.failurePct() > b.settings.ThresholdPct {
			b.setState(StateOpen, now, &pending)
		}
	}
	b.mu.Unlock()

	if !canceled {
		name, result := events.BreakerSuccess, "success"
		if failed {
			name, result = events.BreakerFailure, "failure"
		}
		metrics.CircuitBreakerRequests.WithLabelValues(b.settings.Name, result).Inc()
		fields := map[string]any{"state": state.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		b.settings.Observer.Observe(events.New(name, b.settings.Name, fields))
	}
	b.emit(pending)
}

// record must be called with mu held.
func (b *Breaker) record(failed bool) {
	if b.filled == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

// failurePct must be called with mu held.
func (b *Breaker) failurePct() float64 {
	if b.filled == 0 {
		return 0
	}
	return float64(b.failures) * 100 / float64(b.filled)
}

// currentState must be called with mu held.
func (b *Breaker) currentState(now time.Time, pending *[]events.Event) State {
	if b.state == StateOpen && !now.Before(b.openUntil) {
		b.setState(StateHalfOpen, now, pending)
	}
	return b.state
}

// setState must be called with mu held. Events are queued in pending and
// emitted by the caller after unlocking.
func (b *Breaker) setState(to State, now time.Time, pending *[]events.Event) {
	from := b.state
	failurePct := b.failurePct()

	b.state = to
	b.generation++
	b.lastTransition = now
	b.trialRunning = false
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next, b.filled, b.failures = 0, 0, 0
	if to == StateOpen {
		b.openUntil = now.Add(b.settings.OpenDuration)
	} else {
		b.openUntil = time.Time{}
	}

	if from == to {
		return
	}

	metrics.CircuitBreakerState.WithLabelValues(b.settings.Name).Set(metrics.StateValue(to.String()))
	metrics.CircuitBreakerTransitions.WithLabelValues(b.settings.Name, from.String(), to.String()).Inc()

	var name events.Name
	switch to {
	case StateOpen:
		name = events.BreakerOpened
	case StateHalfOpen:
		name = events.BreakerHalfOpen
	default:
		name = events.BreakerClosed
	}
	fields := map[string]any{"from": from.String(), "to": to.String()}
	if to == StateOpen && from == StateClosed {
		fields["failure_pct"] = failurePct
	}
	*pending = append(*pending, events.New(name, b.settings.Name, fields))
}

func (b *Breaker) emit(pending []events.Event) {
	for _, e := range pending {
		logging.Info().
			Str("breaker", b.settings.Name).
			Str("from", e.String("from")).
			Str("to", e.String("to")).
			Msg("circuit breaker state transition")
		b.settings.Observer.Observe(e)
	}
}
