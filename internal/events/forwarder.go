// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/metrics"
)

// ForwarderConfig configures broker forwarding of lifecycle events.
type ForwarderConfig struct {
	// TopicPrefix is prepended to the event name: "<prefix>.job.completed".
	TopicPrefix string

	// Buffer is the number of events held while the broker is slow.
	Buffer int

	// FailureThreshold is the number of consecutive publish failures that
	// opens the publish guard.
	FailureThreshold uint32

	// GuardTimeout is how long the guard stays open before a trial publish.
	GuardTimeout time.Duration
}

// DefaultForwarderConfig returns production defaults.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		TopicPrefix:      "switchyard.events",
		Buffer:           1024,
		FailureThreshold: 5,
		GuardTimeout:     30 * time.Second,
	}
}

// Forwarder is an Observer that republishes events on a Watermill publisher
// (NATS in production, an in-process GoChannel otherwise). Observe only
// enqueues; Serve does the publishing so a slow broker never stalls a worker.
//
// Publishing goes through a consecutive-failure breaker: when the broker is
// down events are dropped quickly instead of piling up behind timeouts.
type Forwarder struct {
	publisher message.Publisher
	config    ForwarderConfig
	guard     *gobreaker.CircuitBreaker[any]
	queue     chan Event
}

// NewForwarder creates a forwarder publishing through pub.
func NewForwarder(pub message.Publisher, cfg ForwarderConfig) *Forwarder {
	def := DefaultForwarderConfig()
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.GuardTimeout <= 0 {
		cfg.GuardTimeout = def.GuardTimeout
	}

	guard := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "event-forwarder",
		MaxRequests: 1,
		Timeout:     cfg.GuardTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("guard", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("event forwarder guard state changed")
		},
	})

	return &Forwarder{
		publisher: pub,
		config:    cfg,
		guard:     guard,
		queue:     make(chan Event, cfg.Buffer),
	}
}

// Topic returns the broker topic for an event name.
func (f *Forwarder) Topic(name Name) string {
	return f.config.TopicPrefix + "." + string(name)
}

// Observe implements Observer.
func (f *Forwarder) Observe(e Event) {
	select {
	case f.queue <- e:
	default:
		metrics.EventsDropped.WithLabelValues("forwarder").Inc()
	}
}

// Serve implements suture.Service. It publishes queued events until ctx ends.
func (f *Forwarder) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-f.queue:
			f.publish(e)
		}
	}
}

func (f *Forwarder) publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		logging.Error().Err(err).Str("event", string(e.Name)).Msg("failed to marshal event for forwarding")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event", string(e.Name))
	msg.Metadata.Set("source", e.Source)

	_, err = f.guard.Execute(func() (any, error) {
		return nil, f.publisher.Publish(f.Topic(e.Name), msg)
	})
	switch {
	case err == nil:
		metrics.EventsForwarded.WithLabelValues("success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.EventsForwarded.WithLabelValues("rejected").Inc()
	default:
		metrics.EventsForwarded.WithLabelValues("failure").Inc()
		logging.Warn().Err(err).Str("event", string(e.Name)).Msg("failed to forward event")
	}
}

// Close closes the underlying publisher.
func (f *Forwarder) Close() error {
	if err := f.publisher.Close(); err != nil {
		return fmt.Errorf("close event publisher: %w", err)
	}
	return nil
}

// String implements fmt.Stringer for suture logging.
func (f *Forwarder) String() string {
	return "event-forwarder"
}
