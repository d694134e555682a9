// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package main

import (
	"github.com/tomtom215/switchyard/internal/api"
	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/authz"
	"github.com/tomtom215/switchyard/internal/breaker"
	"github.com/tomtom215/switchyard/internal/config"
	"github.com/tomtom215/switchyard/internal/events"
	"github.com/tomtom215/switchyard/internal/jobs"
	"github.com/tomtom215/switchyard/internal/realtime"
	"github.com/tomtom215/switchyard/internal/resilience"
	"github.com/tomtom215/switchyard/internal/supervisor"
	"github.com/tomtom215/switchyard/internal/worker"
)

// The functions below translate the loaded configuration into component
// configs. They hold no logic beyond field mapping.

func storeConfig(cfg *config.Config) jobs.Config {
	return jobs.Config{
		Path:               cfg.Store.Path,
		InMemory:           cfg.Store.InMemory,
		SyncWrites:         cfg.Store.SyncWrites,
		Compression:        cfg.Store.Compression,
		LeaseDuration:      cfg.Store.LeaseDuration,
		DedupWindow:        cfg.Store.DedupWindow,
		CompletedRetention: cfg.Store.CompletedRetention,
	}
}

func sweeperConfig(cfg *config.Config) jobs.SweeperConfig {
	return jobs.SweeperConfig{
		Interval:   cfg.Store.SweepInterval,
		GCInterval: cfg.Store.GCInterval,
	}
}

// queueConfigs maps configured queues onto store declarations and attaches
// the payload schema of built-in queues.
func queueConfigs(cfg *config.Config) []jobs.QueueConfig {
	out := make([]jobs.QueueConfig, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		out = append(out, jobs.QueueConfig{
			Name:        q.Name,
			Concurrency: q.Concurrency,
			RateLimit: jobs.RateLimit{
				Max:    q.RateLimitMax,
				Window: q.RateLimitWindow,
			},
			DefaultAttempts: q.Attempts,
			DefaultBackoff: jobs.Backoff{
				Type: jobs.BackoffType(q.BackoffType),
				Base: q.BackoffBase,
			},
			LeaseDuration: q.LeaseDuration,
			Schema:        builtinSchemas[q.Name],
		})
	}
	return out
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		PollInterval: cfg.Worker.PollInterval,
		DrainTimeout: cfg.Worker.DrainTimeout,
	}
}

func breakerSettings(cfg *config.Config) breaker.Settings {
	return breaker.Settings{
		ThresholdPct: cfg.Breaker.ThresholdPct,
		WindowSize:   cfg.Breaker.WindowSize,
		OpenDuration: cfg.Breaker.OpenDuration,
		CallTimeout:  cfg.Breaker.CallTimeout,
	}
}

func retryConfig(cfg *config.Config) resilience.Config {
	return resilience.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}
}

func realtimeConfig(cfg *config.Config) realtime.Config {
	return realtime.Config{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		SendBuffer:        cfg.Realtime.SendBuffer,
		MaxMessageSize:    cfg.Realtime.MaxMessageSize,
		WriteWait:         cfg.Realtime.WriteWait,
	}
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TokenTTL: cfg.Auth.TokenTTL,
		Leeway:   cfg.Auth.Leeway,
	}
}

func authzConfig(cfg *config.Config) authz.Config {
	return authz.Config{
		ModelPath:   cfg.Auth.ModelPath,
		PolicyPath:  cfg.Auth.PolicyPath,
		DefaultRole: cfg.Auth.DefaultRole,
	}
}

func brokerConfig(cfg *config.Config) events.BrokerConfig {
	return events.BrokerConfig{
		Transport:     cfg.Events.Transport,
		URL:           cfg.Events.NATSURL,
		Embedded:      cfg.Events.EmbeddedNATS,
		Host:          cfg.Events.NATSHost,
		Port:          cfg.Events.NATSPort,
		MaxReconnects: cfg.Events.MaxReconnects,
		ReconnectWait: cfg.Events.ReconnectWait,
	}
}

func forwarderConfig(cfg *config.Config) events.ForwarderConfig {
	fc := events.DefaultForwarderConfig()
	if cfg.Events.TopicPrefix != "" {
		fc.TopicPrefix = cfg.Events.TopicPrefix
	}
	if cfg.Events.Buffer > 0 {
		fc.Buffer = cfg.Events.Buffer
	}
	return fc
}

func routerConfig(cfg *config.Config) api.Config {
	rc := api.DefaultConfig()
	rc.CORSOrigins = cfg.Server.CORSOrigins
	rc.RateLimitRequests = cfg.Server.RateLimitReqs
	rc.RateLimitWindow = cfg.Server.RateLimitWindow
	return rc
}

func treeConfig(cfg *config.Config) supervisor.TreeConfig {
	return supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	}
}
