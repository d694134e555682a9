// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

/*
Package main is the entry point for the Switchyard server.

Switchyard runs the resilience and asynchronous-processing layer of a backend
as one process: a durable Badger-backed job queue with per-queue worker
pools, circuit-broken retrying calls to downstream services, and a realtime
WebSocket registry that fans job status and notifications out to connected
users.

# Application Architecture

Long-running components are supervised by Suture v4:

	RootSupervisor ("switchyard")
	├── DataSupervisor ("data-layer")
	│   └── Job sweeper (stalled recovery, delayed promotion, value-log GC)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── Realtime registry (heartbeat)
	│   └── Event forwarder (optional, gochannel or NATS)
	├── WorkerSupervisor ("worker-layer")
	│   └── Worker manager, one pool per queue
	└── APISupervisor ("api-layer")
	    └── HTTP server (admin API, /ws, /healthz, /metrics)

Component initialization order:

 1. Configuration: Koanf v2 with defaults, YAML file and environment variables
 2. Logging: zerolog with JSON/console output modes
 3. Events: observer bus, log sink and optional Watermill forwarder
 4. Breakers and the resilient call client
 5. Job store: Badger, queue declarations, sweeper
 6. Realtime registry and job-status notifier
 7. Authentication (JWT) and authorization (Casbin)
 8. Worker pools for the built-in queues
 9. HTTP server: Chi router with middleware stack
 10. Supervisor tree

# Built-in Queues

Without queues in the config file two are declared:

	notifications   delivers a notification to a subject's or group's connections
	webhooks        sends an HTTP request through the breaker of the target host

Both validate their payload at enqueue time. Queues declared in the config
file under other names accept any JSON payload and wait for a processor.

# Configuration

Configuration is loaded via Koanf v2 with layered sources (highest priority wins):

	Priority: Environment variables > Config file > Defaults

Core environment variables:

	# Server
	HTTP_PORT=8080
	LOG_LEVEL=info               # trace, debug, info, warn, error
	LOG_FORMAT=json              # json or console

	# Job store
	STORE_PATH=./data/jobs
	STORE_IN_MEMORY=false
	JOB_LEASE_DURATION=30s

	# Auth
	JWT_SECRET=<32+ chars>       # Always required: realtime handshakes verify tokens
	AUTH_DISABLED=false          # Disables admin API authentication only

	# Event forwarding
	EVENTS_TRANSPORT=none        # none, gochannel or nats
	NATS_URL=nats://127.0.0.1:4222
	NATS_EMBEDDED=false

The config file path is taken from CONFIG_PATH, falling back to
switchyard.yaml in the working directory and /etc/switchyard/config.yaml.

# Graceful Shutdown

SIGINT and SIGTERM cancel the root context. Suture stops the layers; worker
pools drain in-flight jobs for WORKER_DRAIN_TIMEOUT before cancelling them
and releasing their leases, realtime connections are closed with 1001, and
the job store is closed last.
*/
package main
