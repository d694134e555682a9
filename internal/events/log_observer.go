// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package events

import (
	"github.com/rs/zerolog"

	"github.com/tomtom215/switchyard/internal/logging"
)

// LogObserver writes every event to the global logger. Failures and state
// changes that need operator attention go out at warn, routine transitions at
// info, and per-call noise at debug.
type LogObserver struct{}

// Observe implements Observer.
func (LogObserver) Observe(e Event) {
	var entry *zerolog.Event
	switch e.Name {
	case BreakerOpened, JobFailed, JobStalled, ConnectionTimeout, ConnectionRejected:
		entry = logging.Warn()
	case BreakerClosed, BreakerHalfOpen, JobRetrying, JobReplayed, ConnectionOpened, ConnectionClosed:
		entry = logging.Info()
	default:
		entry = logging.Debug()
	}

	entry.
		Str("event", string(e.Name)).
		Str("source", e.Source).
		Fields(e.Fields).
		Msg("lifecycle event")
}
