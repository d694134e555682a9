// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package authz

import (
	"net/http"

	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/logging"
)

// Middleware authorizes requests authenticated by auth.Middleware.
type Middleware struct {
	enforcer *Enforcer
}

// NewMiddleware creates the middleware.
func NewMiddleware(enforcer *Enforcer) *Middleware {
	return &Middleware{enforcer: enforcer}
}

// AuthorizeRequest derives the action from the method and the object from
// the request path.
func (m *Middleware) AuthorizeRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, "Forbidden: no authentication context", http.StatusForbidden)
			return
		}

		allowed, err := m.enforcer.Enforce(id.Role, r.URL.Path, ActionForMethod(r.Method))
		if err != nil {
			logging.Error().Err(err).Msg("authorization error")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			logging.Debug().
				Str("subject", id.Subject).
				Str("role", id.Role).
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Msg("request forbidden")
			http.Error(w, "Forbidden: insufficient permissions", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
