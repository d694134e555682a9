// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/events"
	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/metrics"
)

// Authenticator verifies a handshake credential. Rejections should be
// *faults.AuthError; any other error is treated as an internal failure.
type Authenticator interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, credential string) (auth.Identity, error)

// Verify calls f.
func (f AuthenticatorFunc) Verify(ctx context.Context, credential string) (auth.Identity, error) {
	return f(ctx, credential)
}

// HandlerConfig configures the handshake.
type HandlerConfig struct {
	// AllowedOrigins lists browser origins allowed to connect. "*" allows
	// any. Requests without an Origin header (non-browser clients) are
	// always allowed.
	AllowedOrigins []string

	// HandshakeTimeout bounds the upgrade.
	// Default: 10s
	HandshakeTimeout time.Duration
}

// Handler upgrades authenticated HTTP requests to realtime connections.
type Handler struct {
	registry *Registry
	auth     Authenticator
	config   HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a handshake handler for registry.
func NewHandler(registry *Registry, authenticator Authenticator, cfg HandlerConfig) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	h := &Handler{registry: registry, auth: authenticator, config: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Verify(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		h.reject(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		metrics.WSErrors.WithLabelValues("upgrade").Inc()
		logging.Warn().Err(err).Str("subject", id.Subject).Msg("websocket upgrade failed")
		return
	}

	client := newWSClient(conn, h.registry.Config())
	c := h.registry.Add(id, client)

	welcome := WelcomeData{
		NotificationData: NotificationData{
			Title:   "Connected",
			Message: "realtime connection established",
			Level:   "info",
		},
		ConnectionID: c.ID(),
		Subject:      id.Subject,
		Group:        id.Group,
	}
	if err := client.Send(NewMessage(MessageTypeNotification, welcome)); err != nil {
		logging.Warn().Err(err).Uint64("conn_id", c.ID()).Msg("failed to queue welcome message")
	}

	client.start(h.registry, c)
}

// reject completes the handshake only to close it with a policy violation,
// so browser clients see the close code instead of a bare HTTP error.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, verifyErr error) {
	code := ClosePolicyViolation
	reason := "authentication failed"

	var authErr *faults.AuthError
	if errors.As(verifyErr, &authErr) {
		metrics.WSErrors.WithLabelValues("auth").Inc()
		logging.Info().Str("reason", authErr.Reason).Str("remote_addr", r.RemoteAddr).Msg("realtime handshake rejected")
	} else {
		code = CloseInternalError
		reason = "authentication unavailable"
		metrics.WSErrors.WithLabelValues("auth_internal").Inc()
		logging.Error().Err(verifyErr).Str("remote_addr", r.RemoteAddr).Msg("realtime credential verification failed")
	}

	h.registry.observer.Observe(events.New(events.ConnectionRejected, r.RemoteAddr, map[string]any{
		"reason": reason,
		"code":   code,
	}))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	deadline := time.Now().Add(h.registry.Config().WriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	logging.Warn().Str("origin", strings.ReplaceAll(origin, "\n", "")).Msg("websocket connection rejected from unauthorized origin")
	return false
}
