// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/breaker"
	"github.com/tomtom215/switchyard/internal/config"
	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/jobs"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/realtime"
	"github.com/tomtom215/switchyard/internal/resilience"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

var _ realtime.Transport = (*recordingTransport)(nil)

type recordingTransport struct {
	mu   sync.Mutex
	sent []realtime.Message
}

func (r *recordingTransport) Send(msg realtime.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) Ping() error { return nil }
func (r *recordingTransport) Close(_ int, _ string) error { return nil }

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testJob(t *testing.T, payload any) *jobs.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &jobs.Job{ID: "job-1", Queue: "test", Payload: raw}
}

func TestNotificationProcessorDelivers(t *testing.T) {
	reg := realtime.NewRegistry(realtime.DefaultConfig(), nil)
	alice := &recordingTransport{}
	bob := &recordingTransport{}
	carol := &recordingTransport{}
	reg.Add(auth.Identity{Subject: "alice", Group: "ops"}, alice)
	reg.Add(auth.Identity{Subject: "bob", Group: "ops"}, bob)
	reg.Add(auth.Identity{Subject: "carol", Group: "sales"}, carol)

	handler := notificationProcessor(reg)

	t.Run("subject", func(t *testing.T) {
		job := testJob(t, NotificationPayload{Subject: "carol", Message: "hello"})
		if err := handler(context.Background(), job); err != nil {
			t.Fatalf("handler: %v", err)
		}
		if carol.count() != 1 || alice.count() != 0 {
			t.Errorf("carol=%d alice=%d, want 1 and 0", carol.count(), alice.count())
		}
	})

	t.Run("group", func(t *testing.T) {
		job := testJob(t, NotificationPayload{Group: "ops", Message: "deploy finished", Level: "success"})
		if err := handler(context.Background(), job); err != nil {
			t.Fatalf("handler: %v", err)
		}
		if alice.count() != 1 || bob.count() != 1 {
			t.Errorf("alice=%d bob=%d, want 1 each", alice.count(), bob.count())
		}
	})

	t.Run("nobody connected", func(t *testing.T) {
		job := testJob(t, NotificationPayload{Subject: "dave", Message: "hi"})
		if err := handler(context.Background(), job); err != nil {
			t.Errorf("handler: %v, want nil", err)
		}
	})

	t.Run("undecodable payload is terminal", func(t *testing.T) {
		job := &jobs.Job{ID: "job-2", Payload: json.RawMessage(`[1,2,3]`)}
		err := handler(context.Background(), job)
		if !faults.IsTerminal(err) {
			t.Errorf("err = %v, want terminal", err)
		}
	})
}

func newWebhookClient(t *testing.T, srv *httptest.Server) *resilience.Client {
	t.Helper()
	breakers := breaker.NewRegistry(breaker.DefaultSettings(), nil)
	return resilience.NewClient(breakers, resilience.Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}, srv.Client())
}

func TestWebhookProcessorDelivers(t *testing.T) {
	var (
		mu      sync.Mutex
		gotBody string
		gotJob  string
		gotAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = string(body)
		gotJob = r.Header.Get("X-Switchyard-Job")
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := newWebhookClient(t, srv)
	handler := webhookProcessor(client)

	job := testJob(t, WebhookPayload{
		URL:     srv.URL + "/hook",
		Headers: map[string]string{"Authorization": "Bearer abc"},
		Body:    json.RawMessage(`{"event":"order.paid"}`),
	})
	if err := handler(context.Background(), job); err != nil {
		t.Fatalf("handler: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotBody != `{"event":"order.paid"}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotJob != "job-1" {
		t.Errorf("X-Switchyard-Job = %q, want job-1", gotJob)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	target, _ := url.Parse(srv.URL)
	found := false
	for _, s := range client.Breakers().Snapshots() {
		if s.Name == webhookEndpoint(target) {
			found = true
		}
	}
	if !found {
		t.Errorf("no breaker named %q", webhookEndpoint(target))
	}
}

func TestWebhookProcessorClassifiesFailures(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantTerminal bool
		wantCalls    int
	}{
		{"client error is terminal", http.StatusBadRequest, true, 1},
		{"server error is retried", http.StatusBadGateway, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu    sync.Mutex
				calls int
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				mu.Lock()
				calls++
				mu.Unlock()
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			handler := webhookProcessor(newWebhookClient(t, srv))
			err := handler(context.Background(), testJob(t, WebhookPayload{URL: srv.URL, Method: http.MethodPut}))
			if err == nil {
				t.Fatal("handler succeeded, want error")
			}
			if faults.IsTerminal(err) != tt.wantTerminal {
				t.Errorf("IsTerminal(%v) = %v, want %v", err, faults.IsTerminal(err), tt.wantTerminal)
			}
			var statusErr *faults.HTTPStatusError
			if !errors.As(err, &statusErr) || statusErr.StatusCode != tt.status {
				t.Errorf("err = %v, want HTTPStatusError %d", err, tt.status)
			}

			mu.Lock()
			defer mu.Unlock()
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestBuiltinSchemasRejectInvalidPayloads(t *testing.T) {
	cfg := &config.Config{Queues: config.DefaultQueues()}
	store, err := jobs.Open(jobs.Config{InMemory: true}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for _, q := range queueConfigs(cfg) {
		if err := store.DeclareQueue(q); err != nil {
			t.Fatalf("declare %s: %v", q.Name, err)
		}
	}

	tests := []struct {
		name    string
		queue   string
		payload any
		wantErr bool
	}{
		{"notification to subject", config.QueueNotifications, NotificationPayload{Subject: "alice", Message: "hi"}, false},
		{"notification to group", config.QueueNotifications, NotificationPayload{Group: "ops", Message: "hi"}, false},
		{"notification without target", config.QueueNotifications, NotificationPayload{Message: "hi"}, true},
		{"notification without message", config.QueueNotifications, NotificationPayload{Subject: "alice"}, true},
		{"notification with bad level", config.QueueNotifications, NotificationPayload{Subject: "alice", Message: "hi", Level: "loud"}, true},
		{"webhook", config.QueueWebhooks, WebhookPayload{URL: "https://example.com/hook"}, false},
		{"webhook without url", config.QueueWebhooks, WebhookPayload{}, true},
		{"webhook with bad method", config.QueueWebhooks, WebhookPayload{URL: "https://example.com", Method: "TRACE"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Enqueue(context.Background(), tt.queue, tt.payload, jobs.EnqueueOptions{})
			if tt.wantErr {
				if !errors.Is(err, jobs.ErrInvalidPayload) {
					t.Errorf("err = %v, want ErrInvalidPayload", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Enqueue: %v", err)
			}
		})
	}
}
