// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package jobs

import (
	"math"
	"time"

	"github.com/goccy/go-json"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// maxBackoff caps a single retry delay so large attempt counts cannot overflow.
const maxBackoff = 24 * time.Hour

// Backoff is a job's retry delay policy.
type Backoff struct {
	Type BackoffType   `json:"type"`
	Base time.Duration `json:"base"`
}

// Delay returns the wait after the given number of attempts made:
// Base for fixed, Base * 2^(attemptsMade-1) for exponential.
func (b Backoff) Delay(attemptsMade int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if b.Type == BackoffFixed || attemptsMade <= 1 {
		return min(b.Base, maxBackoff)
	}

	factor := math.Pow(2, float64(attemptsMade-1))
	d := float64(b.Base) * factor
	if d >= float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}

// Job is a unit of deferred work persisted in the store.
type Job struct {
	ID       string          `json:"id"`
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload"`
	Status   Status          `json:"status"`
	Priority int             `json:"priority"`
	Seq      uint64          `json:"seq"`

	AttemptsMade int     `json:"attempts_made"`
	MaxAttempts  int     `json:"max_attempts"`
	Backoff      Backoff `json:"backoff"`
	DedupKey     string  `json:"dedup_key,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	ProcessAt      time.Time `json:"process_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	LeaseToken     string    `json:"lease_token,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`

	LastError    string `json:"last_error,omitempty"`
	StalledCount int    `json:"stalled_count,omitempty"`

	// NotifySubject and NotifyGroup route job-status messages to realtime
	// connections.
	NotifySubject string `json:"notify_subject,omitempty"`
	NotifyGroup   string `json:"notify_group,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// eventFields returns the fields attached to job.* events.
func (j *Job) eventFields() map[string]any {
	fields := map[string]any{
		"job_id":       j.ID,
		"queue":        j.Queue,
		"status":       string(j.Status),
		"attempts":     j.AttemptsMade,
		"max_attempts": j.MaxAttempts,
	}
	if j.NotifySubject != "" {
		fields["notify_subject"] = j.NotifySubject
	}
	if j.NotifyGroup != "" {
		fields["notify_group"] = j.NotifyGroup
	}
	if j.LastError != "" {
		fields["error"] = j.LastError
	}
	return fields
}

// EnqueueOptions override queue defaults for a single job.
type EnqueueOptions struct {
	// Attempts is the maximum number of handler executions. 0 uses the queue default.
	Attempts int `json:"attempts,omitempty" validate:"gte=0,lte=100"`

	// Backoff overrides the queue's retry policy when Base > 0.
	Backoff Backoff `json:"backoff,omitempty"`

	// Delay postpones the first execution.
	Delay time.Duration `json:"delay,omitempty" validate:"gte=0"`

	// DedupKey suppresses duplicates enqueued within the dedup window.
	DedupKey string `json:"dedup_key,omitempty" validate:"max=256"`

	// Priority orders waiting jobs; higher runs first.
	Priority int `json:"priority,omitempty" validate:"gte=-1000000,lte=1000000"`

	NotifySubject string `json:"notify_subject,omitempty" validate:"max=256"`
	NotifyGroup   string `json:"notify_group,omitempty" validate:"max=256"`
}

// RateLimit caps how many jobs a queue may lease per window.
type RateLimit struct {
	Max    int           `json:"max" koanf:"max"`
	Window time.Duration `json:"window" koanf:"window"`
}

// QueueConfig declares a queue. Immutable once declared.
type QueueConfig struct {
	Name        string `validate:"required,identifier"`
	Concurrency int    `validate:"gte=0,lte=1024"`
	RateLimit   RateLimit

	// DefaultAttempts and DefaultBackoff apply when EnqueueOptions leave them unset.
	DefaultAttempts int `validate:"gte=0,lte=100"`
	DefaultBackoff  Backoff

	// LeaseDuration overrides the store lease (visibility timeout) for this queue.
	LeaseDuration time.Duration

	// Schema validates payloads at enqueue time. Optional.
	Schema Schema
}

func (c QueueConfig) withDefaults(storeLease time.Duration) QueueConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.DefaultAttempts <= 0 {
		c.DefaultAttempts = 3
	}
	if c.DefaultBackoff.Base <= 0 {
		c.DefaultBackoff.Base = time.Second
	}
	if c.DefaultBackoff.Type == "" {
		c.DefaultBackoff.Type = BackoffExponential
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = storeLease
	}
	return c
}

// equal compares declarations, ignoring the schema implementation.
func (c QueueConfig) equal(o QueueConfig) bool {
	return c.Name == o.Name &&
		c.Concurrency == o.Concurrency &&
		c.RateLimit == o.RateLimit &&
		c.DefaultAttempts == o.DefaultAttempts &&
		c.DefaultBackoff == o.DefaultBackoff &&
		c.LeaseDuration == o.LeaseDuration
}

// QueueStats counts jobs per status.
type QueueStats struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Delayed   int    `json:"delayed"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused"`
}
