// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/switchyard/internal/faults"
)

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// Claims are the JWT claims carried by realtime and admin tokens. The
// registered subject claim identifies the connection's subject.
type Claims struct {
	Group string `json:"group,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig configures a JWTVerifier.
type JWTConfig struct {
	Secret   string        `koanf:"secret"`
	Issuer   string        `koanf:"issuer"`
	Audience string        `koanf:"audience"`
	TokenTTL time.Duration `koanf:"token_ttl"`
	// Leeway tolerates clock skew on exp/nbf.
	Leeway time.Duration `koanf:"leeway"`
}

// JWTVerifier validates HS256 tokens and turns them into identities. It also
// issues tokens, which the CLI and tests use.
type JWTVerifier struct {
	secret []byte
	config JWTConfig
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required but was empty")
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTVerifier{
		secret: []byte(cfg.Secret),
		config: cfg,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Issue signs a token for id that expires after the configured TTL.
func (v *JWTVerifier) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		Group: id.Group,
		Role:  id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    v.config.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.config.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if v.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.config.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates credential and returns the identity it carries. Every
// rejection is a *faults.AuthError.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, &faults.AuthError{Reason: "missing credential"}
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return Identity{}, &faults.AuthError{Reason: reason, Cause: err}
	}
	if !token.Valid {
		return Identity{}, &faults.AuthError{Reason: "invalid token"}
	}
	if claims.Subject == "" {
		return Identity{}, &faults.AuthError{Reason: "token has no subject"}
	}

	return Identity{Subject: claims.Subject, Group: claims.Group, Role: claims.Role}, nil
}
