// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package auth

import (
	"context"
	"net/http"
	"strings"
)

// Roles understood by the admin API policy.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Identity is an authenticated principal. Subject and Group key the realtime
// registry indices; Role drives admin API authorization.
type Identity struct {
	Subject string `json:"subject"`
	Group   string `json:"group,omitempty"`
	Role    string `json:"role,omitempty"`
}

type identityKey struct{}

// ContextWithIdentity returns a copy of ctx carrying id.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// CredentialFromRequest extracts a bearer credential from the Authorization
// header, falling back to the token query parameter that browsers must use
// for WebSocket handshakes.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
