// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package config loads Switchyard configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Store      StoreConfig      `koanf:"store"`
	Queues     []QueueConfig    `koanf:"queues" validate:"dive"`
	Worker     WorkerConfig     `koanf:"worker"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Retry      RetryConfig      `koanf:"retry"`
	Realtime   RealtimeConfig   `koanf:"realtime"`
	Auth       AuthConfig       `koanf:"auth"`
	Events     EventsConfig     `koanf:"events"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig configures the Badger job store.
type StoreConfig struct {
	Path               string        `koanf:"path"`
	InMemory           bool          `koanf:"in_memory"`
	SyncWrites         bool          `koanf:"sync_writes"`
	Compression        bool          `koanf:"compression"`
	LeaseDuration      time.Duration `koanf:"lease_duration"`
	DedupWindow        time.Duration `koanf:"dedup_window"`
	CompletedRetention time.Duration `koanf:"completed_retention"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
	GCInterval         time.Duration `koanf:"gc_interval"`
}

// QueueConfig declares one queue. Queues come from the YAML file; when none
// are configured the built-in queues are declared.
type QueueConfig struct {
	Name            string        `koanf:"name" validate:"required,identifier"`
	Concurrency     int           `koanf:"concurrency" validate:"gte=0,lte=1024"`
	Attempts        int           `koanf:"attempts" validate:"gte=0,lte=100"`
	BackoffType     string        `koanf:"backoff_type" validate:"omitempty,oneof=exponential fixed"`
	BackoffBase     time.Duration `koanf:"backoff_base"`
	RateLimitMax    int           `koanf:"rate_limit_max" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	LeaseDuration   time.Duration `koanf:"lease_duration"`
}

// WorkerConfig configures worker pools.
type WorkerConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	DrainTimeout time.Duration `koanf:"drain_timeout"`
}

// BreakerConfig holds the default breaker settings.
type BreakerConfig struct {
	ThresholdPct float64       `koanf:"threshold_pct" validate:"gt=0,lte=100"`
	WindowSize   int           `koanf:"window_size" validate:"gte=1"`
	OpenDuration time.Duration `koanf:"open_duration"`
	CallTimeout  time.Duration `koanf:"call_timeout"`
}

// RetryConfig configures the resilient call client.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Jitter      bool          `koanf:"jitter"`
}

// RealtimeConfig configures the connection registry and handshake.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	SendBuffer        int           `koanf:"send_buffer" validate:"gte=0"`
	MaxMessageSize    int64         `koanf:"max_message_size" validate:"gte=0"`
	WriteWait         time.Duration `koanf:"write_wait"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
}

// AuthConfig configures token verification and admin authorization.
type AuthConfig struct {
	// Disabled turns off admin API authentication. Realtime handshakes still
	// require a token.
	Disabled   bool          `koanf:"disabled"`
	JWTSecret  string        `koanf:"jwt_secret"`
	Issuer     string        `koanf:"issuer"`
	Audience   string        `koanf:"audience"`
	TokenTTL   time.Duration `koanf:"token_ttl"`
	Leeway     time.Duration `koanf:"leeway"`
	ModelPath  string        `koanf:"casbin_model_path"`
	PolicyPath string        `koanf:"casbin_policy_path"`
	// DefaultRole applies to tokens without a role claim. Empty denies them.
	DefaultRole string `koanf:"default_role"`
}

// EventsConfig configures the optional event forwarder.
type EventsConfig struct {
	// Transport is none, gochannel or nats.
	Transport     string        `koanf:"transport" validate:"oneof=none gochannel nats"`
	NATSURL       string        `koanf:"nats_url"`
	EmbeddedNATS  bool          `koanf:"embedded_nats"`
	NATSHost      string        `koanf:"nats_host"`
	NATSPort      int           `koanf:"nats_port" validate:"gte=-1,lte=65535"`
	TopicPrefix   string        `koanf:"topic_prefix"`
	Buffer        int           `koanf:"buffer" validate:"gte=0"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// SupervisorConfig tunes the suture tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold" validate:"gt=0"`
	FailureDecay     float64       `koanf:"failure_decay" validate:"gt=0"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// Built-in queue names.
const (
	QueueNotifications = "notifications"
	QueueWebhooks      = "webhooks"
)

// DefaultQueues returns the queues declared when none are configured.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{
			Name:        QueueNotifications,
			Concurrency: 5,
			Attempts:    3,
			BackoffType: "exponential",
			BackoffBase: time.Second,
		},
		{
			Name:            QueueWebhooks,
			Concurrency:     10,
			Attempts:        5,
			BackoffType:     "exponential",
			BackoffBase:     2 * time.Second,
			RateLimitMax:    50,
			RateLimitWindow: time.Second,
		},
	}
}
