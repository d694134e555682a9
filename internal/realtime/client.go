// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/switchyard/internal/logging"
)

// closeWait bounds the close frame write so that removing a stalled peer
// does not block for a full WriteWait.
const closeWait = time.Second

// wsClient is the gorilla/websocket Transport. A write pump owns data frames
// and pings; the close frame uses WriteControl, which gorilla allows
// concurrently with other writers.
type wsClient struct {
	conn      *websocket.Conn
	send      chan Message
	ping      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
}

func newWSClient(conn *websocket.Conn, cfg Config) *wsClient {
	return &wsClient{
		conn:      conn,
		send:      make(chan Message, cfg.SendBuffer),
		ping:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		writeWait: cfg.WriteWait,
	}
}

// Send implements Transport.
func (c *wsClient) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Ping implements Transport. The ping is queued for the write pump and Ping
// returns without waiting for the write; a ping already queued is not
// doubled.
func (c *wsClient) Ping() error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.ping <- struct{}{}:
	default:
	}
	return nil
}

// Close implements Transport.
func (c *wsClient) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(min(c.writeWait, closeWait))); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = werr
		}
		_ = c.conn.Close() // best-effort; the close frame already went out
	})
	return err
}

// start runs the pumps for a registered connection.
func (c *wsClient) start(reg *Registry, conn *Connection) {
	go c.writePump()
	go c.readPump(reg, conn)
}

// readPump feeds frames to the registry until the peer goes away.
func (c *wsClient) readPump(reg *Registry, conn *Connection) {
	reason := "closed by peer"
	defer func() {
		reg.Remove(conn.ID(), reason)
	}()

	cfg := reg.Config()
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	// Two missed heartbeats; the registry normally terminates first.
	readWait := 2 * cfg.HeartbeatInterval
	if err := c.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		conn.MarkAlive()
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Uint64("conn_id", conn.ID()).Msg("unexpected websocket close error")
				reason = "read error"
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		reg.HandleInbound(conn, raw)
	}
}

// writePump writes queued messages and pings until the transport closes.
func (c *wsClient) writePump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				logging.Debug().Err(err).Msg("failed to write ping")
				_ = c.conn.Close()
				return
			}
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logging.Debug().Err(err).Str("type", msg.Type).Msg("failed to write realtime message")
				_ = c.conn.Close()
				return
			}
		}
	}
}
