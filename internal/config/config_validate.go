// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package config

import (
	"fmt"
	"time"

	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/validation"
)

// Validate checks that required configuration is present and valid
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}

	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if err := c.validateQueues(); err != nil {
		return err
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	return c.validateEvents()
}

// validateServer validates HTTP listener settings
func (c *Config) validateServer() error {
	if err := requirePositive(map[string]time.Duration{
		"HTTP_READ_TIMEOUT":  c.Server.ReadTimeout,
		"HTTP_WRITE_TIMEOUT": c.Server.WriteTimeout,
		"SHUTDOWN_TIMEOUT":   c.Server.ShutdownTimeout,
	}); err != nil {
		return err
	}
	if c.Server.RateLimitReqs > 0 && c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive when RATE_LIMIT_REQUESTS is set")
	}
	return nil
}

// validateStore validates job store settings
func (c *Config) validateStore() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH is required unless STORE_IN_MEMORY=true")
	}
	return requirePositive(map[string]time.Duration{
		"JOB_LEASE_DURATION":          c.Store.LeaseDuration,
		"JOB_SWEEP_INTERVAL":          c.Store.SweepInterval,
		"WORKER_POLL_INTERVAL":        c.Worker.PollInterval,
		"WORKER_DRAIN_TIMEOUT":        c.Worker.DrainTimeout,
		"BREAKER_OPEN_DURATION":       c.Breaker.OpenDuration,
		"RETRY_BASE_DELAY":            c.Retry.BaseDelay,
		"REALTIME_HEARTBEAT_INTERVAL": c.Realtime.HeartbeatInterval,
	})
}

// validateQueues rejects duplicate names and rate limits without a window
func (c *Config) validateQueues() error {
	seen := make(map[string]struct{}, len(c.Queues))
	for i := range c.Queues {
		q := &c.Queues[i]
		if _, dup := seen[q.Name]; dup {
			return fmt.Errorf("queue %q is declared more than once", q.Name)
		}
		seen[q.Name] = struct{}{}

		if q.RateLimitMax > 0 && q.RateLimitWindow <= 0 {
			return fmt.Errorf("queue %q: rate_limit_window must be positive when rate_limit_max is set", q.Name)
		}
		if q.BackoffBase < 0 || q.LeaseDuration < 0 {
			return fmt.Errorf("queue %q: durations must not be negative", q.Name)
		}
	}
	return nil
}

// validateAuth validates token settings. The secret is required even with
// the admin API unauthenticated because realtime handshakes verify tokens.
func (c *Config) validateAuth() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", auth.MinSecretLength)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("JWT_TOKEN_TTL must be positive")
	}
	return nil
}

// validateEvents validates the forwarder transport
func (c *Config) validateEvents() error {
	if c.Events.Transport != "nats" {
		return nil
	}
	if !c.Events.EmbeddedNATS && c.Events.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required when EVENTS_TRANSPORT=nats and NATS_EMBEDDED=false")
	}
	if c.Events.EmbeddedNATS && c.Events.NATSHost == "" {
		return fmt.Errorf("NATS_HOST is required when NATS_EMBEDDED=true")
	}
	return nil
}

func requirePositive(durations map[string]time.Duration) error {
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}
