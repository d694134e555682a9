// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

/*
Package auth verifies bearer credentials and carries the resulting identity
through request contexts.

Switchyard does not issue credentials to users. An upstream identity
provider signs HS256 JWTs with a shared secret; JWTVerifier checks them and
maps the claims onto an Identity:

	sub    -> Identity.Subject  (realtime subject index)
	group  -> Identity.Group    (realtime group index)
	role   -> Identity.Role     (admin API authorization, see package authz)

The same verifier serves two entry points:

  - Middleware.Authenticate guards /api/v1 and stores the identity in the
    request context.
  - The realtime handshake at /ws, where browsers pass the token as the
    token query parameter because they cannot set headers on a WebSocket
    upgrade.

Failures are returned as *faults.AuthError with a short reason such as
"missing credential" or "token expired". The reason is logged but never sent
to the client.

# Usage

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
	    Secret:   cfg.Auth.JWTSecret,
	    TokenTTL: 24 * time.Hour,
	})
	if err != nil {
	    return err
	}
	r.Use(auth.NewMiddleware(verifier).Authenticate)

Passing a nil Verifier to NewMiddleware disables authentication; every
request then runs as an anonymous admin.
*/
package auth
