// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package events carries lifecycle events from the breaker, the job store and
// the realtime registry to whoever wants them: the log, the realtime job-status
// notifier, tests, and optionally a message broker through Watermill.
//
// Producers depend only on the Observer interface. The Bus fans an event out to
// registered observers (called synchronously, in registration order) and to
// channel subscriptions (non-blocking; a full subscriber drops the event and
// increments events_dropped_total).
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/switchyard/internal/metrics"
)

// Name is a dotted event name in the fixed namespace below.
type Name string

// Event names. The prefix before the first dot is the emitting component.
const (
	BreakerOpened   Name = "breaker.opened"
	BreakerClosed   Name = "breaker.closed"
	BreakerHalfOpen Name = "breaker.half_open"
	BreakerSuccess  Name = "breaker.success"
	BreakerFailure  Name = "breaker.failure"
	BreakerRejected Name = "breaker.rejected"

	JobEnqueued     Name = "job.enqueued"
	JobDeduplicated Name = "job.deduplicated"
	JobActive       Name = "job.active"
	JobCompleted    Name = "job.completed"
	JobRetrying     Name = "job.retrying"
	JobFailed       Name = "job.failed"
	JobStalled      Name = "job.stalled"
	JobReleased     Name = "job.released"
	JobReplayed     Name = "job.replayed"

	ConnectionOpened   Name = "connection.opened"
	ConnectionClosed   Name = "connection.closed"
	ConnectionRejected Name = "connection.rejected"
	ConnectionTimeout  Name = "connection.timeout"
)

// Component returns the part of the name before the first dot.
func (n Name) Component() string {
	if i := strings.IndexByte(string(n), '.'); i > 0 {
		return string(n)[:i]
	}
	return string(n)
}

// Event is a single lifecycle notification.
type Event struct {
	Name Name      `json:"name"`
	Time time.Time `json:"time"`
	// Source identifies the emitter instance: breaker name, queue name or
	// connection ID.
	Source string         `json:"source"`
	Fields map[string]any `json:"fields,omitempty"`
}

// New builds an Event stamped with the current time.
func New(name Name, source string, fields map[string]any) Event {
	return Event{Name: name, Time: time.Now().UTC(), Source: source, Fields: fields}
}

// String returns a field as a string, or "" when absent.
func (e Event) String(key string) string {
	if v, ok := e.Fields[key].(string); ok {
		return v
	}
	return ""
}

// Observer receives events. Implementations must not block for long; the
// emitter is usually holding up a job or a breaker call.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

// Discard is an Observer that ignores everything.
var Discard Observer = ObserverFunc(func(Event) {})

// OrDiscard returns o, or Discard when o is nil.
func OrDiscard(o Observer) Observer {
	if o == nil {
		return Discard
	}
	return o
}

type subscription struct {
	name     string
	ch       chan Event
	prefixes []string
}

func (s *subscription) wants(n Name) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(string(n), p) {
			return true
		}
	}
	return false
}

// Bus is the in-process event fan-out point. It is itself an Observer, so it
// can be handed to any producer.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	subs      map[int]*subscription
	nextID    int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Register adds a synchronous observer.
func (b *Bus) Register(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Subscribe returns a channel receiving events whose name starts with one of
// prefixes (all events when none are given) and a cancel func that closes it.
func (b *Bus) Subscribe(name string, buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{name: name, ch: make(chan Event, buffer), prefixes: prefixes}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Observe publishes e to every observer and matching subscription.
func (b *Bus) Observe(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	metrics.EventsPublished.WithLabelValues(string(e.Name)).Inc()

	b.mu.RLock()
	observers := b.observers
	for _, sub := range b.subs {
		if !sub.wants(e.Name) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			metrics.EventsDropped.WithLabelValues(sub.name).Inc()
		}
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o.Observe(e)
	}
}
