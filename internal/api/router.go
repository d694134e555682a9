// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package api wires the HTTP surface of Switchyard with chi: the admin API
// under /api/v1, the realtime handshake at /ws, /healthz and /metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/authz"
	"github.com/tomtom215/switchyard/internal/middleware"
)

// Config configures the router's middleware.
type Config struct {
	CORSOrigins []string

	// RateLimitRequests per RateLimitWindow per client IP on /api/v1.
	// 0 disables the limit.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// HandshakeRateLimit caps /ws upgrades per client IP per minute.
	// 0 disables the limit.
	HandshakeRateLimit int
}

// DefaultConfig returns permissive defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		CORSOrigins:        []string{"*"},
		RateLimitRequests:  100,
		RateLimitWindow:    time.Minute,
		HandshakeRateLimit: 60,
	}
}

// Router assembles the HTTP handler tree.
type Router struct {
	config   Config
	handler  *Handler
	authn    *auth.Middleware
	authz    *authz.Middleware
	realtime http.Handler
}

// NewRouter creates a router. realtime serves /ws and may be nil.
func NewRouter(cfg Config, handler *Handler, authn *auth.Middleware, authzMw *authz.Middleware, realtime http.Handler) *Router {
	return &Router{
		config:   cfg,
		handler:  handler,
		authn:    authn,
		authz:    authzMw,
		realtime: realtime,
	}
}

// Handler builds the chi router.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	// ========================
	// Global Middleware Stack
	// ========================
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Location"},
		MaxAge:         86400,
	}))

	// ========================
	// Operational Endpoints
	// ========================
	r.With(middleware.PrometheusMetrics).Get("/healthz", rt.handler.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// ========================
	// Realtime Handshake
	// ========================
	// Not wrapped in PrometheusMetrics: the upgrade hijacks the connection.
	if rt.realtime != nil {
		r.With(rt.limit(rt.config.HandshakeRateLimit, time.Minute)).Method(http.MethodGet, "/ws", rt.realtime)
	}

	// ========================
	// Admin API
	// ========================
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.limit(rt.config.RateLimitRequests, rt.config.RateLimitWindow))
		r.Use(middleware.PrometheusMetrics)
		r.Use(rt.authn.Authenticate)
		r.Use(rt.authz.AuthorizeRequest)

		r.Get("/queues", rt.handler.ListQueues)
		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Get("/stats", rt.handler.QueueStats)
			r.Get("/dead", rt.handler.DeadLetters)
			r.Post("/pause", rt.handler.PauseQueue)
			r.Post("/resume", rt.handler.ResumeQueue)
			r.Post("/jobs", rt.handler.EnqueueJob)
		})
		r.Get("/jobs/{id}", rt.handler.GetJob)
		r.Post("/jobs/{id}/replay", rt.handler.ReplayJob)
		r.Get("/breakers", rt.handler.Breakers)
		r.Get("/connections", rt.handler.Connections)
	})

	return r
}

// limit returns an httprate limiter keyed by client IP, or a pass-through
// when requests is not positive.
func (rt *Router) limit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		}),
	)
}
