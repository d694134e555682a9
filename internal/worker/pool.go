// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package worker runs registered handlers against job store queues.
//
// Each queue gets one Pool that keeps at most Concurrency handlers in flight.
// A pool leases as many jobs as it has free slots, runs each handler with a
// context that expires with the job's lease, and acks or fails the job with
// the handler's result. When nothing is eligible it sleeps until the poll
// interval passes, the store signals new work, or a slot frees up.
//
// Pools are suture services. Cancelling Serve's context starts a drain:
// leasing stops, in-flight handlers get DrainTimeout to finish, then their
// contexts are cancelled and their jobs released back to waiting.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/jobs"
	"github.com/tomtom215/switchyard/internal/logging"
)

// Handler processes one job. Returning nil acks the job; an error fails it
// (terminal errors dead-letter immediately, others are retried with backoff).
type Handler func(ctx context.Context, job *jobs.Job) error

// Typed adapts a handler that takes a decoded payload. A payload that does
// not decode into T fails the job terminally.
func Typed[T any](fn func(ctx context.Context, job *jobs.Job, payload T) error) Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		var payload T
		if err := job.Decode(&payload); err != nil {
			return faults.Terminal("decode payload", err)
		}
		return fn(ctx, job, payload)
	}
}

// Config configures pools.
type Config struct {
	// PollInterval is the idle wait between lease attempts.
	// Default: 1s
	PollInterval time.Duration

	// DrainTimeout is how long in-flight handlers may run after shutdown
	// begins before they are cancelled and their jobs released.
	// Default: 30s
	DrainTimeout time.Duration

	// SettleTimeout bounds each Ack, Fail or Release call.
	// Default: 10s
	SettleTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		DrainTimeout:  30 * time.Second,
		SettleTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = def.SettleTimeout
	}
	return c
}

// Store is the subset of *jobs.Store a pool needs.
type Store interface {
	Queue(name string) (jobs.QueueConfig, error)
	Wake(queue string) (<-chan struct{}, error)
	Lease(ctx context.Context, queue string, count int) ([]*jobs.Job, error)
	Ack(ctx context.Context, jobID, leaseToken string) error
	Fail(ctx context.Context, jobID, leaseToken string, cause error) error
	Release(ctx context.Context, jobID, leaseToken string) error
}

type inflight struct {
	job    *jobs.Job
	cancel context.CancelFunc
}

// Pool consumes one queue.
type Pool struct {
	store       Store
	queue       string
	concurrency int
	handler     Handler
	config      Config

	mu       sync.Mutex
	// running is keyed by lease token. A stalled job can be leased again
	// while its previous handler is still running; both occupy a slot.
	running  map[string]*inflight
	wg       sync.WaitGroup
	freed    chan struct{}
	forced   atomic.Bool
	executed atomic.Int64
}

// NewPool creates a pool for a declared queue. Concurrency comes from the
// queue declaration.
func NewPool(store Store, queue string, handler Handler, cfg Config) (*Pool, error) {
	if handler == nil {
		return nil, errors.New("worker: nil handler")
	}
	qc, err := store.Queue(queue)
	if err != nil {
		return nil, err
	}
	return &Pool{
		store:       store,
		queue:       queue,
		concurrency: qc.Concurrency,
		handler:     handler,
		config:      cfg.withDefaults(),
		running:     make(map[string]*inflight),
		freed:       make(chan struct{}, 1),
	}, nil
}

// Queue returns the queue name.
func (p *Pool) Queue() string {
	return p.queue
}

// Concurrency returns the maximum number of handlers in flight.
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Active returns the number of handlers currently running.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Executed returns the number of handler invocations since start.
func (p *Pool) Executed() int64 {
	return p.executed.Load()
}

// String implements fmt.Stringer for suture logging.
func (p *Pool) String() string {
	return "worker-pool[" + p.queue + "]"
}

// Serve implements suture.Service. It returns after the drain completes.
func (p *Pool) Serve(ctx context.Context) error {
	wake, err := p.store.Wake(p.queue)
	if err != nil {
		return fmt.Errorf("worker pool %s: %w", p.queue, err)
	}

	// Handlers outlive ctx so that they can finish during the drain.
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()
	p.forced.Store(false)

	logging.Info().Str("queue", p.queue).Int("concurrency", p.concurrency).Msg("worker pool started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			break
		}

		free := p.concurrency - p.Active()
		if free > 0 {
			leased, err := p.store.Lease(ctx, p.queue, free)
			if err != nil && ctx.Err() == nil {
				logging.Error().Err(err).Str("queue", p.queue).Msg("lease failed")
			}
			for _, job := range leased {
				p.start(handlerCtx, job)
			}
			if len(leased) > 0 && len(leased) < free {
				// Slots remain and more jobs may already be eligible.
				continue
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.config.PollInterval)

		select {
		case <-ctx.Done():
		case <-wake:
		case <-p.freed:
		case <-timer.C:
		}
	}

	p.drain(cancelHandlers)
	return ctx.Err()
}

func (p *Pool) start(parent context.Context, job *jobs.Job) {
	jobCtx, cancel := context.WithDeadline(parent, job.LeaseExpiresAt)
	jobCtx = logging.ContextWithCorrelationID(jobCtx, job.ID)

	p.mu.Lock()
	p.running[job.LeaseToken] = &inflight{job: job, cancel: cancel}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.finish(job.LeaseToken, cancel)

		err := p.invoke(jobCtx, job)
		if p.forced.Load() {
			// The drain already released this job.
			return
		}
		p.settle(job, err)
	}()
}

// invoke runs the handler, converting a panic into an error.
func (p *Pool) invoke(ctx context.Context, job *jobs.Job) (err error) {
	p.executed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("queue", p.queue).
				Str("job_id", job.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("job handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) settle(job *jobs.Job, handlerErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.SettleTimeout)
	defer cancel()

	var err error
	if handlerErr == nil {
		err = p.store.Ack(ctx, job.ID, job.LeaseToken)
	} else {
		logging.Debug().
			Err(handlerErr).
			Str("queue", p.queue).
			Str("job_id", job.ID).
			Int("attempt", job.AttemptsMade).
			Msg("job handler failed")
		err = p.store.Fail(ctx, job.ID, job.LeaseToken, handlerErr)
	}

	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrLeaseLost):
		logging.Warn().
			Str("queue", p.queue).
			Str("job_id", job.ID).
			Msg("job finished after its lease was lost; result discarded")
	default:
		logging.Error().Err(err).Str("queue", p.queue).Str("job_id", job.ID).Msg("failed to record job result")
	}
}

func (p *Pool) finish(leaseToken string, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	delete(p.running, leaseToken)
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// drain waits for in-flight handlers, then force-terminates the rest.
func (p *Pool) drain(cancelHandlers context.CancelFunc) {
	active := p.Active()
	if active == 0 {
		logging.Info().Str("queue", p.queue).Msg("worker pool stopped")
		return
	}
	logging.Info().Str("queue", p.queue).Int("in_flight", active).Dur("timeout", p.config.DrainTimeout).Msg("draining worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info().Str("queue", p.queue).Msg("worker pool drained")
		return
	case <-time.After(p.config.DrainTimeout):
	}

	p.forced.Store(true)
	cancelHandlers()

	p.mu.Lock()
	stuck := make([]*jobs.Job, 0, len(p.running))
	for _, r := range p.running {
		stuck = append(stuck, r.job)
	}
	p.mu.Unlock()

	for _, job := range stuck {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.SettleTimeout)
		err := p.store.Release(ctx, job.ID, job.LeaseToken)
		cancel()
		if err != nil && !errors.Is(err, jobs.ErrLeaseLost) {
			logging.Error().Err(err).Str("queue", p.queue).Str("job_id", job.ID).Msg("failed to release job")
			continue
		}
		logging.Warn().Str("queue", p.queue).Str("job_id", job.ID).Msg("job force-terminated and released")
	}
}
