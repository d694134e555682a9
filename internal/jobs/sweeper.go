// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/switchyard/internal/logging"
)

// SweeperConfig sets the maintenance intervals.
type SweeperConfig struct {
	// Interval between stalled-job recovery and delayed-job promotion.
	// Default: 5s
	Interval time.Duration

	// GCInterval between Badger value-log GC runs. Zero disables GC.
	// Default: 10m
	GCInterval time.Duration
}

// DefaultSweeperConfig returns production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   5 * time.Second,
		GCInterval: 10 * time.Minute,
	}
}

// Sweeper periodically recovers stalled jobs, promotes due delayed jobs and
// runs value-log GC.
type Sweeper struct {
	store  *Store
	config SweeperConfig

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store *Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	return &Sweeper{store: store, config: cfg}
}

// Start begins the background loop. Calling Start twice is a no-op.
func (sw *Sweeper) Start(ctx context.Context) error {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.ctx, sw.cancel = context.WithCancel(ctx)
	sw.running = true
	sw.mu.Unlock()

	sw.wg.Add(1)
	go sw.run()

	logging.Info().
		Dur("interval", sw.config.Interval).
		Dur("gc_interval", sw.config.GCInterval).
		Msg("job sweeper started")
	return nil
}

// Stop stops the loop and waits for the current sweep to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.cancel()
	sw.running = false
	sw.mu.Unlock()

	sw.wg.Wait()
	logging.Info().Msg("job sweeper stopped")
}

// IsRunning reports whether the loop is active.
func (sw *Sweeper) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

// LastRun returns when the last sweep finished.
func (sw *Sweeper) LastRun() time.Time {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.lastRun
}

// RunNow performs one sweep synchronously.
func (sw *Sweeper) RunNow(ctx context.Context) {
	sw.sweep(ctx)
}

func (sw *Sweeper) run() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.config.Interval)
	defer ticker.Stop()

	var gcC <-chan time.Time
	if sw.config.GCInterval > 0 {
		gcTicker := time.NewTicker(sw.config.GCInterval)
		defer gcTicker.Stop()
		gcC = gcTicker.C
	}

	for {
		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(sw.ctx)
		case <-gcC:
			if err := sw.store.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("job store GC failed")
			}
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	stalled, err := sw.store.RecoverStalled(ctx)
	if err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("stalled job recovery failed")
	}
	promoted, err := sw.store.PromoteDelayed(ctx)
	if err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("delayed job promotion failed")
	}

	if stalled > 0 || promoted > 0 {
		logging.Debug().Int("stalled", stalled).Int("promoted", promoted).Msg("job sweep")
	}

	sw.mu.Lock()
	sw.lastRun = time.Now()
	sw.mu.Unlock()
}
