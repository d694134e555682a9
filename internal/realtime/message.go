// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package realtime

import (
	"time"

	"github.com/goccy/go-json"
)

// Message types exchanged over realtime connections.
const (
	MessageTypeNotification = "notification"
	MessageTypeEntityUpdate = "entity-update"
	MessageTypeJobStatus    = "job-status"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Message is a realtime message envelope.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(msgType string, data any) Message {
	return Message{Type: msgType, Data: data, Timestamp: time.Now().UTC()}
}

// inbound is the envelope parsed from client frames. Data stays raw until a
// handler needs it.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NotificationData is the payload of a notification message.
type NotificationData struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"` // info, success, warning, error
}

// EntityUpdateData is the payload of an entity-update message.
type EntityUpdateData struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	Action string `json:"action"` // created, updated, deleted
	Fields any    `json:"fields,omitempty"`
}

// JobStatusData is the payload of a job-status message.
type JobStatusData struct {
	JobID       string `json:"job_id"`
	Queue       string `json:"queue"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Error       string `json:"error,omitempty"`
	RetryAt     string `json:"retry_at,omitempty"`
}

// WelcomeData is sent as the data of the first notification after a
// successful handshake.
type WelcomeData struct {
	NotificationData
	ConnectionID uint64 `json:"connection_id"`
	Subject      string `json:"subject"`
	Group        string `json:"group,omitempty"`
}
