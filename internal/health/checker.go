// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package health aggregates component state into a single health report.
//
// The process is healthy while the job store answers. Open breakers make the
// report degraded but do not fail IsHealthy.
package health

import (
	"context"
	"sort"
	"time"

	"github.com/tomtom215/switchyard/internal/breaker"
	"github.com/tomtom215/switchyard/internal/jobs"
	"github.com/tomtom215/switchyard/internal/realtime"
	"github.com/tomtom215/switchyard/internal/worker"
)

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Store is the job store surface the checker reads.
type Store interface {
	Ping(ctx context.Context) error
	Queues() []string
	Stats(ctx context.Context, queue string) (jobs.QueueStats, error)
}

// Breakers lists breaker snapshots.
type Breakers interface {
	Snapshots() []breaker.Snapshot
}

// Connections reports realtime registry counts.
type Connections interface {
	Stats() realtime.Stats
}

// Workers reports worker pool status.
type Workers interface {
	Status() []worker.PoolStatus
}

// StoreStatus is the store section of a report.
type StoreStatus struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// Report is a point-in-time health report.
type Report struct {
	Status       string              `json:"status"`
	Timestamp    time.Time           `json:"timestamp"`
	Uptime       float64             `json:"uptime_seconds"`
	Store        StoreStatus         `json:"store"`
	Queues       []jobs.QueueStats   `json:"queues,omitempty"`
	Workers      []worker.PoolStatus `json:"workers,omitempty"`
	Breakers     []breaker.Snapshot  `json:"breakers,omitempty"`
	OpenBreakers []string            `json:"open_breakers,omitempty"`
	Connections  realtime.Stats      `json:"connections"`
}

// Checker builds reports. Any source except the store may be nil.
type Checker struct {
	store       Store
	breakers    Breakers
	connections Connections
	workers     Workers
	startTime   time.Time
	timeout     time.Duration
}

// NewChecker creates a checker. timeout bounds the store ping (default 2s).
func NewChecker(store Store, breakers Breakers, connections Connections, workers Workers, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		store:       store,
		breakers:    breakers,
		connections: connections,
		workers:     workers,
		startTime:   time.Now(),
		timeout:     timeout,
	}
}

// IsHealthy reports whether the aggregated status is healthy or degraded.
// Open breakers and connection counts degrade or annotate the report but
// only an unreachable store makes the process unhealthy.
func (c *Checker) IsHealthy(ctx context.Context) bool {
	return c.Report(ctx).Status != StatusUnhealthy
}

// Report gathers the full report.
func (c *Checker) Report(ctx context.Context) Report {
	r := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(c.startTime).Seconds(),
	}

	if err := c.pingStore(ctx); err != nil {
		r.Status = StatusUnhealthy
		r.Store = StoreStatus{Error: err.Error()}
	} else {
		r.Store = StoreStatus{Reachable: true}
		queues := c.store.Queues()
		sort.Strings(queues)
		for _, q := range queues {
			st, err := c.store.Stats(ctx, q)
			if err != nil {
				continue
			}
			r.Queues = append(r.Queues, st)
		}
	}

	if c.breakers != nil {
		r.Breakers = c.breakers.Snapshots()
		for _, s := range r.Breakers {
			if s.State == breaker.StateOpen.String() {
				r.OpenBreakers = append(r.OpenBreakers, s.Name)
			}
		}
		if len(r.OpenBreakers) > 0 && r.Status == StatusHealthy {
			r.Status = StatusDegraded
		}
	}
	if c.connections != nil {
		r.Connections = c.connections.Stats()
	}
	if c.workers != nil {
		r.Workers = c.workers.Status()
	}
	return r
}

func (c *Checker) pingStore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Ping(ctx)
}
