// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package realtime

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/tomtom215/switchyard/internal/auth"
)

var (
	// ErrConnectionClosed is returned by Send on a closed transport.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned by Send when the peer is not keeping up.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Close codes used when the server terminates a connection.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Transport is the outbound side of one client connection. Implementations
// must be safe for concurrent use and must not block in Send or Ping.
type Transport interface {
	// Send queues msg for delivery.
	Send(msg Message) error
	// Ping queues a protocol-level ping.
	Ping() error
	// Close terminates the connection with a close code. Repeated calls are
	// no-ops.
	Close(code int, reason string) error
}

// Connection is a registered, authenticated client.
type Connection struct {
	id        uint64
	identity  auth.Identity
	transport Transport
	openedAt  time.Time
	alive     atomic.Bool
}

// ID returns the registry-assigned connection ID.
func (c *Connection) ID() uint64 { return c.id }

// Identity returns the authenticated identity.
func (c *Connection) Identity() auth.Identity { return c.identity }

// OpenedAt returns when the connection was registered.
func (c *Connection) OpenedAt() time.Time { return c.openedAt }

// MarkAlive records a heartbeat response.
func (c *Connection) MarkAlive() { c.alive.Store(true) }

// Alive reports whether the connection answered since the last heartbeat.
func (c *Connection) Alive() bool { return c.alive.Load() }

// Send delivers msg on the connection's transport.
func (c *Connection) Send(msg Message) error { return c.transport.Send(msg) }

// ConnectionInfo describes a connection for the admin API.
type ConnectionInfo struct {
	ID       uint64    `json:"id"`
	Subject  string    `json:"subject"`
	Group    string    `json:"group,omitempty"`
	OpenedAt time.Time `json:"opened_at"`
	Alive    bool      `json:"alive"`
}

func (c *Connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:       c.id,
		Subject:  c.identity.Subject,
		Group:    c.identity.Group,
		OpenedAt: c.openedAt,
		Alive:    c.Alive(),
	}
}
