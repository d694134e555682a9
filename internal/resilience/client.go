// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package resilience wraps outbound calls with a per-endpoint circuit breaker,
// a per-attempt timeout and retry with exponential backoff.
//
// Errors are classified with faults.Classify. Transient failures (timeouts,
// 5xx, 408, 429) are retried until MaxAttempts is reached. Terminal failures
// (other 4xx) and *faults.CircuitOpenError return at once; an open breaker
// never consumes retry budget.
//
// Example:
//
//	client := resilience.NewClient(breakers, resilience.DefaultConfig(), nil)
//	user, err := resilience.Do(ctx, client, "users-api", func(ctx context.Context) (*User, error) {
//	    return api.GetUser(ctx, id)
//	})
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/tomtom215/switchyard/internal/breaker"
	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/metrics"
)

// Config holds the retry policy.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3
	MaxAttempts int

	// BaseDelay is the wait before the first retry. The k-th retry waits
	// BaseDelay * 2^(k-1).
	// Default: 400ms
	BaseDelay time.Duration

	// MaxDelay caps a single backoff wait.
	// Default: 30s
	MaxDelay time.Duration

	// Jitter spreads each wait uniformly over [delay/2, delay].
	// Default: true
	Jitter bool

	// RandomSeed makes jitter reproducible when non-zero.
	RandomSeed int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   400 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Client executes calls through the breaker registry with retries.
type Client struct {
	breakers   *breaker.Registry
	config     Config
	httpClient *http.Client

	randMu sync.Mutex
	rng    *rand.Rand
}

// NewClient creates a client. httpClient is used by DoHTTP; nil means a client
// without its own timeout, since the breaker bounds every attempt.
func NewClient(breakers *breaker.Registry, cfg Config, httpClient *http.Client) *Client {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Client{
		breakers:   breakers,
		config:     cfg,
		httpClient: httpClient,
		//nolint:gosec // G404: weak random is fine for backoff jitter
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Breakers returns the registry backing this client.
func (c *Client) Breakers() *breaker.Registry {
	return c.breakers
}

// Call runs fn against endpoint with breaker protection and retries.
func (c *Client) Call(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	_, err := c.call(ctx, endpoint, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Do is the generic form of Call.
func Do[T any](ctx context.Context, c *Client, endpoint string, fn func(context.Context) (T, error)) (T, error) {
	v, err := c.call(ctx, endpoint, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result, _ := v.(T)
	return result, nil
}

func (c *Client) call(ctx context.Context, endpoint string, fn func(context.Context) (any, error)) (any, error) {
	b := c.breakers.Get(endpoint)

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		v, err := breaker.Do(ctx, b, fn)
		metrics.CallDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.CallAttempts.WithLabelValues(endpoint, "success").Inc()
			return v, nil
		}

		class := faults.Classify(err)
		metrics.CallAttempts.WithLabelValues(endpoint, class.String()).Inc()
		if class != faults.ClassTransient {
			return nil, err
		}

		lastErr = err
		if attempt == c.config.MaxAttempts {
			break
		}

		delay := c.Backoff(attempt)
		logging.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Int("max_attempts", c.config.MaxAttempts).
			Dur("delay", delay).
			Msg("call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%s: giving up after %d attempts: %w", endpoint, c.config.MaxAttempts, lastErr)
}

// Backoff returns the wait before the k-th retry (k >= 1).
func (c *Client) Backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	delay := c.config.BaseDelay
	for i := 1; i < k && delay < c.config.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.config.MaxDelay {
		delay = c.config.MaxDelay
	}
	if !c.config.Jitter || delay < 2 {
		return delay
	}

	half := delay / 2
	c.randMu.Lock()
	jitter := time.Duration(c.rng.Int63n(int64(delay-half) + 1))
	c.randMu.Unlock()
	return half + jitter
}
