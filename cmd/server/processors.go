// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/switchyard/internal/config"
	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/jobs"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/realtime"
	"github.com/tomtom215/switchyard/internal/resilience"
	"github.com/tomtom215/switchyard/internal/worker"
)

// NotificationPayload is the job payload of the notifications queue.
type NotificationPayload struct {
	Subject string `json:"subject" validate:"required_without=Group,max=256"`
	Group   string `json:"group" validate:"max=256"`
	Title   string `json:"title" validate:"max=200"`
	Message string `json:"message" validate:"required,max=4096"`
	Level   string `json:"level" validate:"omitempty,oneof=info success warning error"`
}

// WebhookPayload is the job payload of the webhooks queue.
type WebhookPayload struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// builtinSchemas holds payload schemas for the built-in queues. Queues
// declared in the config file under other names accept any JSON.
var builtinSchemas = map[string]jobs.Schema{
	config.QueueNotifications: jobs.SchemaFor[NotificationPayload](),
	config.QueueWebhooks:      jobs.SchemaFor[WebhookPayload](),
}

// notificationProcessor delivers a notification to the realtime
// connections of a subject or group. Nobody being connected is not a
// failure: notifications are best-effort.
func notificationProcessor(registry *realtime.Registry) worker.Handler {
	return worker.Typed(func(ctx context.Context, job *jobs.Job, p NotificationPayload) error {
		msg := realtime.NewMessage(realtime.MessageTypeNotification, realtime.NotificationData{
			Title:   p.Title,
			Message: p.Message,
			Level:   p.Level,
		})

		delivered := 0
		if p.Subject != "" {
			delivered += registry.SendToSubject(p.Subject, msg)
		}
		if p.Group != "" {
			delivered += registry.SendToGroup(p.Group, msg)
		}

		logging.Ctx(ctx).Debug().
			Str("job_id", job.ID).
			Str("subject", p.Subject).
			Str("group", p.Group).
			Int("delivered", delivered).
			Msg("notification delivered")
		return nil
	})
}

// webhookProcessor sends the payload's request through the resilient call
// client. Each target host gets its own breaker so one failing receiver
// does not trip deliveries to the others.
func webhookProcessor(client *resilience.Client) worker.Handler {
	return worker.Typed(func(ctx context.Context, job *jobs.Job, p WebhookPayload) error {
		target, err := url.Parse(p.URL)
		if err != nil || target.Host == "" {
			return faults.Terminal("webhook", fmt.Errorf("invalid url %q", p.URL))
		}

		method := p.Method
		if method == "" {
			method = http.MethodPost
		}

		var body io.Reader
		if len(p.Body) > 0 && string(p.Body) != "null" {
			body = bytes.NewReader(p.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
		if err != nil {
			return faults.Terminal("webhook", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("X-Switchyard-Job", job.ID)

		resp, err := client.DoHTTP(ctx, webhookEndpoint(target), req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()

		logging.Ctx(ctx).Debug().
			Str("job_id", job.ID).
			Str("host", target.Host).
			Int("status", resp.StatusCode).
			Msg("webhook delivered")
		return nil
	})
}

// webhookEndpoint names the breaker guarding a webhook host.
func webhookEndpoint(target *url.URL) string {
	return "webhook:" + strings.ToLower(target.Host)
}
