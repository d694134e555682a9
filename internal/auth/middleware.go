// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/logging"
)

// Verifier turns a credential into an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Middleware authenticates admin API requests.
type Middleware struct {
	verifier Verifier
	disabled bool
}

// NewMiddleware creates the middleware. A nil verifier disables
// authentication and every request runs as an anonymous admin; use only for
// local development.
func NewMiddleware(verifier Verifier) *Middleware {
	return &Middleware{verifier: verifier, disabled: verifier == nil}
}

// Authenticate rejects requests without a valid bearer credential and stores
// the identity in the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			ctx := ContextWithIdentity(r.Context(), Identity{Subject: "anonymous", Role: RoleAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		id, err := m.verifier.Verify(r.Context(), CredentialFromRequest(r))
		if err != nil {
			var authErr *faults.AuthError
			if errors.As(err, &authErr) {
				logging.Debug().Str("reason", authErr.Reason).Str("path", r.URL.Path).Msg("request rejected")
			} else {
				logging.Error().Err(err).Str("path", r.URL.Path).Msg("credential verification failed")
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="switchyard"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}
