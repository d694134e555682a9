// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package realtime

import (
	"github.com/tomtom215/switchyard/internal/events"
	"github.com/tomtom215/switchyard/internal/logging"
)

// JobNotifier turns job lifecycle events into job-status messages for the
// job's notify subject and group. Register it on the event bus.
type JobNotifier struct {
	registry *Registry
}

// NewJobNotifier creates a notifier that delivers through registry.
func NewJobNotifier(registry *Registry) *JobNotifier {
	return &JobNotifier{registry: registry}
}

// Observe implements events.Observer.
func (n *JobNotifier) Observe(e events.Event) {
	switch e.Name {
	case events.JobCompleted, events.JobFailed, events.JobRetrying:
	default:
		return
	}

	subject := e.String("notify_subject")
	group := e.String("notify_group")
	if subject == "" && group == "" {
		return
	}

	msg := NewMessage(MessageTypeJobStatus, JobStatusData{
		JobID:       e.String("job_id"),
		Queue:       e.String("queue"),
		Status:      e.String("status"),
		Attempts:    intField(e, "attempts"),
		MaxAttempts: intField(e, "max_attempts"),
		Error:       e.String("error"),
		RetryAt:     e.String("retry_at"),
	})

	delivered := 0
	if subject != "" {
		delivered += n.registry.SendToSubject(subject, msg)
	}
	if group != "" {
		delivered += n.registry.SendToGroup(group, msg)
	}

	logging.Debug().
		Str("job_id", e.String("job_id")).
		Str("event", string(e.Name)).
		Int("delivered", delivered).
		Msg("job status pushed")
}

// intField reads a numeric field whether it came from an in-process event or
// was round-tripped through JSON.
func intField(e events.Event, key string) int {
	switch v := e.Fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
