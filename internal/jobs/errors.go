// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package jobs

import "errors"

var (
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("job store is closed")

	// ErrUnknownQueue means the queue was never declared.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrQueueExists means a queue was redeclared with a different config.
	ErrQueueExists = errors.New("queue already declared with a different configuration")

	// ErrJobNotFound means no job has the given ID (or it expired).
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost means the caller's lease token no longer matches: the job
	// was recovered as stalled, released, or already finished.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrDuplicate is returned with the existing job when a dedup key was
	// seen within the dedup window.
	ErrDuplicate = errors.New("duplicate job")

	// ErrInvalidPayload wraps schema validation failures.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrInvalidState means the operation does not apply to the job's status.
	ErrInvalidState = errors.New("invalid job state for operation")
)
