// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/switchyard/internal/api"
	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/authz"
	"github.com/tomtom215/switchyard/internal/breaker"
	"github.com/tomtom215/switchyard/internal/config"
	"github.com/tomtom215/switchyard/internal/events"
	"github.com/tomtom215/switchyard/internal/health"
	"github.com/tomtom215/switchyard/internal/jobs"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/realtime"
	"github.com/tomtom215/switchyard/internal/resilience"
	"github.com/tomtom215/switchyard/internal/supervisor"
	"github.com/tomtom215/switchyard/internal/supervisor/services"
	"github.com/tomtom215/switchyard/internal/worker"
)

const (
	healthCheckTimeout    = 2 * time.Second
	brokerShutdownTimeout = 5 * time.Second
	handshakeTimeout      = 10 * time.Second
)

//nolint:gocyclo // main wires every component; splitting it hides the startup order
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().Msg("Starting Switchyard...")

	// === EVENTS ===

	bus := events.NewBus()
	bus.Register(events.LogObserver{})

	var forwarder *events.Forwarder
	if cfg.Events.Transport != "none" {
		broker := brokerConfig(cfg)
		if broker.Transport == "nats" && broker.Embedded {
			natsServer, err := events.StartEmbeddedServer(broker.Host, broker.Port)
			if err != nil {
				logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), brokerShutdownTimeout)
				defer cancel()
				if err := natsServer.Shutdown(ctx); err != nil {
					logging.Warn().Err(err).Msg("Embedded NATS server did not shut down cleanly")
				}
			}()
			broker.URL = natsServer.ClientURL()
			logging.Info().Str("url", broker.URL).Msg("Embedded NATS server started")
		}

		publisher, err := events.NewPublisher(broker, events.NewWatermillLogger(logging.WithComponent("watermill")))
		if err != nil {
			logging.Fatal().Err(err).Str("transport", broker.Transport).Msg("Failed to create event publisher")
		}
		forwarder = events.NewForwarder(publisher, forwarderConfig(cfg))
		defer func() {
			if err := forwarder.Close(); err != nil {
				logging.Warn().Err(err).Msg("Failed to close event publisher")
			}
		}()
		bus.Register(forwarder)
		logging.Info().Str("transport", broker.Transport).Msg("Event forwarding enabled")
	}

	// === RESILIENT CALLS ===

	breakers := breaker.NewRegistry(breakerSettings(cfg), bus)
	client := resilience.NewClient(breakers, retryConfig(cfg), &http.Client{})

	// === JOB STORE ===

	store, err := jobs.Open(storeConfig(cfg), bus)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open job store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close job store")
		}
	}()

	for _, q := range queueConfigs(cfg) {
		if err := store.DeclareQueue(q); err != nil {
			logging.Fatal().Err(err).Str("queue", q.Name).Msg("Failed to declare queue")
		}
	}
	logging.Info().
		Strs("queues", store.Queues()).
		Bool("in_memory", cfg.Store.InMemory).
		Msg("Job store opened")

	sweeper := jobs.NewSweeper(store, sweeperConfig(cfg))

	// === REALTIME ===

	registry := realtime.NewRegistry(realtimeConfig(cfg), bus)
	bus.Register(realtime.NewJobNotifier(registry))

	// === AUTH ===

	verifier, err := auth.NewJWTVerifier(jwtConfig(cfg))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create JWT verifier")
	}

	var apiVerifier auth.Verifier = verifier
	if cfg.Auth.Disabled {
		apiVerifier = nil
		logging.Warn().Msg("===========================================")
		logging.Warn().Msg("ADMIN API AUTHENTICATION DISABLED")
		logging.Warn().Msg("Every request is treated as an admin.")
		logging.Warn().Msg("Do not expose this listener publicly.")
		logging.Warn().Msg("===========================================")
	}
	authn := auth.NewMiddleware(apiVerifier)

	enforcer, err := authz.NewEnforcer(authzConfig(cfg))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create authorization enforcer")
	}

	// === SUPERVISOR TREE ===

	tree := supervisor.NewTree(logging.NewSlogLogger(), treeConfig(cfg))

	// === WORKERS ===

	manager := worker.NewManager(store, workerConfig(cfg), tree.Spec())
	processors := map[string]worker.Handler{
		config.QueueNotifications: notificationProcessor(registry),
		config.QueueWebhooks:      webhookProcessor(client),
	}
	for _, name := range store.Queues() {
		handler, ok := processors[name]
		if !ok {
			logging.Warn().Str("queue", name).Msg("No processor for queue; jobs will wait until one is registered")
			continue
		}
		if _, err := manager.RegisterProcessor(name, handler); err != nil {
			logging.Fatal().Err(err).Str("queue", name).Msg("Failed to register processor")
		}
	}

	// === HTTP ===

	checker := health.NewChecker(store, breakers, registry, manager, healthCheckTimeout)
	handler := api.NewHandler(store, breakers, registry, checker)
	wsHandler := realtime.NewHandler(registry, verifier, realtime.HandlerConfig{
		AllowedOrigins:   cfg.Realtime.AllowedOrigins,
		HandshakeTimeout: handshakeTimeout,
	})
	router := api.NewRouter(routerConfig(cfg), handler, authn, authz.NewMiddleware(enforcer), wsHandler)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * cfg.Server.WriteTimeout,
	}

	// Data layer
	tree.AddDataService(services.NewLifecycleService("job-sweeper", sweeper))

	// Messaging layer
	tree.AddMessagingService(registry)
	if forwarder != nil {
		tree.AddMessagingService(forwarder)
	}

	// Worker layer
	tree.AddWorkerService(manager)

	// API layer
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// === RUN ===

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Starting supervisor tree...")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Switchyard stopped gracefully")
}
