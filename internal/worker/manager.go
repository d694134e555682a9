// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/switchyard/internal/logging"
)

// ErrAlreadyRegistered is returned when a queue already has a processor.
var ErrAlreadyRegistered = errors.New("processor already registered for queue")

// PoolStatus is a point-in-time view of a pool.
type PoolStatus struct {
	Queue       string `json:"queue"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Executed    int64  `json:"executed"`
}

// Manager owns one pool per queue and supervises them. It is itself a suture
// service: add it to the supervisor tree and register processors before or
// after it starts.
type Manager struct {
	store  Store
	config Config
	sup    *suture.Supervisor

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates a manager. spec configures the pools' supervisor; its
// Timeout is raised to cover DrainTimeout so that suture does not abandon a
// pool mid-drain.
func NewManager(store Store, cfg Config, spec suture.Spec) *Manager {
	cfg = cfg.withDefaults()
	if minTimeout := cfg.DrainTimeout + cfg.SettleTimeout + time.Second; spec.Timeout < minTimeout {
		spec.Timeout = minTimeout
	}
	return &Manager{
		store:  store,
		config: cfg,
		sup:    suture.New("worker-pools", spec),
		pools:  make(map[string]*Pool),
	}
}

// RegisterProcessor attaches handler to queue and starts consuming it once
// the manager is serving. The queue must already be declared.
func (m *Manager) RegisterProcessor(queue string, handler Handler) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[queue]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, queue)
	}

	pool, err := NewPool(m.store, queue, handler, m.config)
	if err != nil {
		return nil, fmt.Errorf("register processor for %s: %w", queue, err)
	}
	m.pools[queue] = pool
	m.sup.Add(pool)

	logging.Info().Str("queue", queue).Int("concurrency", pool.Concurrency()).Msg("processor registered")
	return pool, nil
}

// Pool returns the pool for queue, if registered.
func (m *Manager) Pool(queue string) (*Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[queue]
	return p, ok
}

// Status returns the status of every pool, sorted by queue.
func (m *Manager) Status() []PoolStatus {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	out := make([]PoolStatus, 0, len(pools))
	for _, p := range pools {
		out = append(out, PoolStatus{
			Queue:       p.Queue(),
			Concurrency: p.Concurrency(),
			Active:      p.Active(),
			Executed:    p.Executed(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// Serve implements suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	return m.sup.Serve(ctx)
}

// String implements fmt.Stringer for suture logging.
func (m *Manager) String() string {
	return "worker-manager"
}
