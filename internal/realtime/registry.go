// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package realtime keeps the set of live client connections and fans messages
// out to them by subject, by group or to everyone.
//
// The Registry owns three maps: connections by ID, and connection sets keyed
// by subject and by group. Add and Remove update all three under one lock, so
// a lookup never sees a connection in one index but not the other. Delivery
// snapshots the targets under a read lock and sends outside it; a transport
// that refuses a message (full buffer or closed) gets its connection removed.
//
// Liveness is checked by the Heartbeat task: a connection that has not
// answered since the previous tick is terminated, the rest are marked and
// pinged. The Registry is a suture service that runs Heartbeat on a ticker.
package realtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/events"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/metrics"
)

// Config configures the registry and its connections.
type Config struct {
	// HeartbeatInterval between liveness sweeps.
	// Default: 30s
	HeartbeatInterval time.Duration

	// SendBuffer is the per-connection outbound queue length.
	// Default: 256
	SendBuffer int

	// MaxMessageSize limits inbound frames.
	// Default: 512KB
	MaxMessageSize int64

	// WriteWait bounds a single frame write.
	// Default: 10s
	WriteWait time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		SendBuffer:        256,
		MaxMessageSize:    512 * 1024,
		WriteWait:         10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	return c
}

// Stats summarizes the registry.
type Stats struct {
	Connections int `json:"connections"`
	Subjects    int `json:"subjects"`
	Groups      int `json:"groups"`
}

// Registry tracks live connections.
type Registry struct {
	config   Config
	observer events.Observer
	nextID   atomic.Uint64

	mu        sync.RWMutex
	conns     map[uint64]*Connection
	bySubject map[string]map[uint64]*Connection
	byGroup   map[string]map[uint64]*Connection
}

// NewRegistry creates an empty registry. observer may be nil.
func NewRegistry(cfg Config, observer events.Observer) *Registry {
	return &Registry{
		config:    cfg.withDefaults(),
		observer:  events.OrDiscard(observer),
		conns:     make(map[uint64]*Connection),
		bySubject: make(map[string]map[uint64]*Connection),
		byGroup:   make(map[string]map[uint64]*Connection),
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.config
}

// Add registers a connection for id on transport. The connection starts out
// alive.
func (r *Registry) Add(id auth.Identity, transport Transport) *Connection {
	c := &Connection{
		id:        r.nextID.Add(1),
		identity:  id,
		transport: transport,
		openedAt:  time.Now().UTC(),
	}
	c.alive.Store(true)

	r.mu.Lock()
	r.conns[c.id] = c
	addToIndex(r.bySubject, id.Subject, c)
	if id.Group != "" {
		addToIndex(r.byGroup, id.Group, c)
	}
	total := len(r.conns)
	r.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	logging.Info().
		Uint64("conn_id", c.id).
		Str("subject", id.Subject).
		Str("group", id.Group).
		Int("total_connections", total).
		Msg("realtime connection opened")
	r.observer.Observe(events.New(events.ConnectionOpened, connSource(c.id), map[string]any{
		"conn_id": c.id,
		"subject": id.Subject,
		"group":   id.Group,
	}))
	return c
}

// Remove unregisters a connection and closes its transport. It reports
// whether the connection was registered; removing twice is harmless.
func (r *Registry) Remove(connID uint64, reason string) bool {
	return r.remove(connID, reason, CloseNormal)
}

func (r *Registry) remove(connID uint64, reason string, code int) bool {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		removeFromIndex(r.bySubject, c.identity.Subject, connID)
		if c.identity.Group != "" {
			removeFromIndex(r.byGroup, c.identity.Group, connID)
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := c.transport.Close(code, reason); err != nil {
		logging.Debug().Err(err).Uint64("conn_id", connID).Msg("error closing realtime transport")
	}

	metrics.WSConnections.Set(float64(total))
	logging.Info().
		Uint64("conn_id", connID).
		Str("subject", c.identity.Subject).
		Str("reason", reason).
		Int("total_connections", total).
		Msg("realtime connection closed")
	r.observer.Observe(events.New(events.ConnectionClosed, connSource(connID), map[string]any{
		"conn_id": connID,
		"subject": c.identity.Subject,
		"group":   c.identity.Group,
		"reason":  reason,
	}))
	return true
}

// Get returns a registered connection.
func (r *Registry) Get(connID uint64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// SendToSubject delivers msg to every connection of subject and returns the
// number of successful deliveries.
func (r *Registry) SendToSubject(subject string, msg Message) int {
	r.mu.RLock()
	targets := sortedConns(r.bySubject[subject])
	r.mu.RUnlock()
	return r.deliver(targets, msg)
}

// SendToGroup delivers msg to every connection in group.
func (r *Registry) SendToGroup(group string, msg Message) int {
	r.mu.RLock()
	targets := sortedConns(r.byGroup[group])
	r.mu.RUnlock()
	return r.deliver(targets, msg)
}

// Broadcast delivers msg to every connection.
func (r *Registry) Broadcast(msg Message) int {
	r.mu.RLock()
	targets := sortedConns(r.conns)
	r.mu.RUnlock()
	return r.deliver(targets, msg)
}

// Heartbeat runs one liveness sweep. Connections that did not answer the
// previous ping are terminated; the others are marked not alive and pinged.
// Connections are handled concurrently, so a peer that stalls a ping or a
// close frame holds up only itself.
func (r *Registry) Heartbeat() {
	r.mu.RLock()
	conns := sortedConns(r.conns)
	r.mu.RUnlock()

	var (
		wg       sync.WaitGroup
		timedOut atomic.Int32
		pinged   atomic.Int32
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if !c.alive.Swap(false) {
				timedOut.Add(1)
				metrics.WSErrors.WithLabelValues("heartbeat_timeout").Inc()
				r.observer.Observe(events.New(events.ConnectionTimeout, connSource(c.id), map[string]any{
					"conn_id": c.id,
					"subject": c.identity.Subject,
				}))
				r.remove(c.id, "heartbeat timeout", CloseGoingAway)
				return
			}
			if err := c.transport.Ping(); err != nil {
				metrics.WSErrors.WithLabelValues("send_failed").Inc()
				r.remove(c.id, "ping failed", CloseGoingAway)
				return
			}
			pinged.Add(1)
		}(c)
	}
	wg.Wait()

	if n := timedOut.Load(); n > 0 {
		logging.Info().Int32("timed_out", n).Int32("pinged", pinged.Load()).Msg("realtime heartbeat")
	}
}

// HandleInbound processes one frame received on c. Malformed frames and
// unknown types are logged and ignored.
func (r *Registry) HandleInbound(c *Connection, raw []byte) {
	metrics.WSMessagesReceived.Inc()

	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.WSErrors.WithLabelValues("malformed").Inc()
		logging.Warn().Err(err).Uint64("conn_id", c.id).Int("size", len(raw)).Msg("ignoring malformed realtime message")
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.MarkAlive()
		if err := c.transport.Send(NewMessage(MessageTypePong, nil)); err != nil {
			logging.Debug().Err(err).Uint64("conn_id", c.id).Msg("failed to answer ping")
		}
	case MessageTypePong:
		c.MarkAlive()
	default:
		logging.Debug().Str("type", msg.Type).Uint64("conn_id", c.id).Msg("ignoring unknown realtime message type")
	}
}

// Stats returns connection and index counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections: len(r.conns),
		Subjects:    len(r.bySubject),
		Groups:      len(r.byGroup),
	}
}

// Connections lists every connection in ID order.
func (r *Registry) Connections() []ConnectionInfo {
	r.mu.RLock()
	conns := sortedConns(r.conns)
	r.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	return out
}

// CloseAll terminates every connection with code.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.RLock()
	conns := sortedConns(r.conns)
	r.mu.RUnlock()

	closed := 0
	for _, c := range conns {
		if r.remove(c.id, reason, code) {
			closed++
		}
	}
	return closed
}

// Serve implements suture.Service: it runs Heartbeat every
// HeartbeatInterval and closes all connections on shutdown.
func (r *Registry) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	logging.Info().Dur("interval", r.config.HeartbeatInterval).Msg("realtime heartbeat started")

	for {
		select {
		case <-ctx.Done():
			closed := r.CloseAll(CloseGoingAway, "server shutting down")
			logging.Info().
				Str("component", "realtime-registry").
				Int("connections_closed", closed).
				Msg("realtime registry stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Heartbeat()
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (r *Registry) String() string {
	return "realtime-registry"
}

// ========================================================================
// Internal Helper Functions
// ========================================================================

func (r *Registry) deliver(targets []*Connection, msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	delivered := 0
	for _, c := range targets {
		if err := c.transport.Send(msg); err != nil {
			metrics.WSErrors.WithLabelValues("send_failed").Inc()
			logging.Warn().Err(err).Uint64("conn_id", c.id).Str("type", msg.Type).Msg("realtime send failed, dropping connection")
			r.remove(c.id, fmt.Sprintf("send failed: %v", err), CloseGoingAway)
			continue
		}
		delivered++
	}
	metrics.WSMessagesSent.Add(float64(delivered))
	return delivered
}

func addToIndex(index map[string]map[uint64]*Connection, key string, c *Connection) {
	set, ok := index[key]
	if !ok {
		set = make(map[uint64]*Connection)
		index[key] = set
	}
	set[c.id] = c
}

func removeFromIndex(index map[string]map[uint64]*Connection, key string, id uint64) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// sortedConns copies set in ID order so that delivery order is stable.
func sortedConns(set map[uint64]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func connSource(id uint64) string {
	return "conn-" + strconv.FormatUint(id, 10)
}
