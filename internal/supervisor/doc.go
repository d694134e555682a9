// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

/*
Package supervisor runs Switchyard's long-lived services under suture v4.

Services are grouped into layers so that a failure restarts only its own
layer:

	switchyard
	├── data-layer
	│   └── job-sweeper (services.LifecycleService around *jobs.Sweeper)
	├── messaging-layer
	│   ├── realtime-registry
	│   └── event-forwarder (when events.transport is not none)
	├── worker-layer
	│   └── worker-manager
	│       └── worker-pool[<queue>] ...
	└── api-layer
	    └── http-server (services.HTTPServerService)

Supervisor events are logged through sutureslog into the zerolog-backed
slog handler from the logging package:

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
	    ShutdownTimeout: cfg.Supervisor.ShutdownTimeout,
	})
	tree.AddDataService(services.NewLifecycleService("job-sweeper", sweeper))
	tree.AddMessagingService(registry)
	tree.AddWorkerService(manager)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
	    logging.Error().Err(err).Msg("supervisor tree stopped")
	}

On cancellation every layer stops its services within ShutdownTimeout;
UnstoppedServiceReport names any that did not.
*/
package supervisor
