// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"switchyard.yaml",
	"switchyard.yml",
	"/etc/switchyard/config.yaml",
	"/etc/switchyard/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all sensible default values.
// Defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path:               "./data/jobs",
			SyncWrites:         true,
			LeaseDuration:      30 * time.Second,
			DedupWindow:        5 * time.Minute,
			CompletedRetention: 24 * time.Hour,
			SweepInterval:      5 * time.Second,
			GCInterval:         10 * time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			DrainTimeout: 30 * time.Second,
		},
		Breaker: BreakerConfig{
			ThresholdPct: 50,
			WindowSize:   10,
			OpenDuration: 30 * time.Second,
			CallTimeout:  10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   400 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Jitter:      true,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 30 * time.Second,
			SendBuffer:        256,
			MaxMessageSize:    512 * 1024,
			WriteWait:         10 * time.Second,
			AllowedOrigins:    []string{"*"},
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
			Leeway:   30 * time.Second,
		},
		Events: EventsConfig{
			Transport:     "none",
			NATSURL:       "nats://127.0.0.1:4222",
			NATSHost:      "127.0.0.1",
			NATSPort:      4222,
			TopicPrefix:   "switchyard.events",
			Buffer:        1024,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  45 * time.Second,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in sensible defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any setting
//
// Queues can only be declared in the file; without any the built-in
// notifications and webhooks queues are used.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// JWT_SECRET -> auth.jwt_secret, HTTP_PORT -> server.port, ...
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = DefaultQueues()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"server.cors_origins",
	"realtime.allowed_origins",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// Env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps environment variable names (lowercased) to koanf paths.
var envMappings = map[string]string{
	// Server
	"http_host":           "server.host",
	"http_port":           "server.port",
	"http_read_timeout":   "server.read_timeout",
	"http_write_timeout":  "server.write_timeout",
	"shutdown_timeout":    "server.shutdown_timeout",
	"cors_origins":        "server.cors_origins",
	"rate_limit_requests": "server.rate_limit_reqs",
	"rate_limit_window":   "server.rate_limit_window",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	// Job store
	"store_path":              "store.path",
	"store_in_memory":         "store.in_memory",
	"store_sync_writes":       "store.sync_writes",
	"store_compression":       "store.compression",
	"job_lease_duration":      "store.lease_duration",
	"job_dedup_window":        "store.dedup_window",
	"job_completed_retention": "store.completed_retention",
	"job_sweep_interval":      "store.sweep_interval",
	"store_gc_interval":       "store.gc_interval",

	// Workers
	"worker_poll_interval": "worker.poll_interval",
	"worker_drain_timeout": "worker.drain_timeout",

	// Breaker defaults
	"breaker_threshold_pct": "breaker.threshold_pct",
	"breaker_window_size":   "breaker.window_size",
	"breaker_open_duration": "breaker.open_duration",
	"breaker_call_timeout":  "breaker.call_timeout",

	// Resilient calls
	"retry_max_attempts": "retry.max_attempts",
	"retry_base_delay":   "retry.base_delay",
	"retry_max_delay":    "retry.max_delay",
	"retry_jitter":       "retry.jitter",

	// Realtime
	"realtime_heartbeat_interval": "realtime.heartbeat_interval",
	"realtime_send_buffer":        "realtime.send_buffer",
	"realtime_max_message_size":   "realtime.max_message_size",
	"realtime_write_wait":         "realtime.write_wait",
	"realtime_allowed_origins":    "realtime.allowed_origins",

	// Auth
	"auth_disabled":      "auth.disabled",
	"jwt_secret":         "auth.jwt_secret",
	"jwt_issuer":         "auth.issuer",
	"jwt_audience":       "auth.audience",
	"jwt_token_ttl":      "auth.token_ttl",
	"jwt_leeway":         "auth.leeway",
	"casbin_model_path":  "auth.casbin_model_path",
	"casbin_policy_path": "auth.casbin_policy_path",
	"auth_default_role":  "auth.default_role",

	// Events
	"events_transport":    "events.transport",
	"nats_url":            "events.nats_url",
	"nats_embedded":       "events.embedded_nats",
	"nats_host":           "events.nats_host",
	"nats_port":           "events.nats_port",
	"events_topic_prefix": "events.topic_prefix",
	"events_buffer":       "events.buffer",
	"nats_max_reconnects": "events.max_reconnects",
	"nats_reconnect_wait": "events.reconnect_wait",

	// Supervisor
	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_decay":     "supervisor.failure_decay",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",
}

// envTransformFunc maps an environment variable name to a koanf path.
// Unmapped variables are skipped so unrelated environment does not leak in.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
