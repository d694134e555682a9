// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package health

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/breaker"
	"github.com/tomtom215/switchyard/internal/jobs"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/realtime"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

var (
	_ Store       = (*jobs.Store)(nil)
	_ Breakers    = (*breaker.Registry)(nil)
	_ Connections = (*realtime.Registry)(nil)
)

type nopTransport struct{}

func (nopTransport) Send(realtime.Message) error { return nil }
func (nopTransport) Ping() error                 { return nil }
func (nopTransport) Close(int, string) error     { return nil }

func newStore(t *testing.T) *jobs.Store {
	t.Helper()
	s, err := jobs.Open(jobs.Config{InMemory: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.DeclareQueue(jobs.QueueConfig{Name: "emails"}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestReportHealthy(t *testing.T) {
	store := newStore(t)
	_, _ = store.Enqueue(context.Background(), "emails", "x", jobs.EnqueueOptions{})

	breakers := breaker.NewRegistry(breaker.DefaultSettings(), nil)
	breakers.Get("payments")

	conns := realtime.NewRegistry(realtime.Config{}, nil)
	conns.Add(auth.Identity{Subject: "u", Group: "g"}, nopTransport{})

	c := NewChecker(store, breakers, conns, nil, 0)
	if !c.IsHealthy(context.Background()) {
		t.Fatal("IsHealthy() = false with a reachable store")
	}

	r := c.Report(context.Background())
	if r.Status != StatusHealthy {
		t.Errorf("Status = %q, want healthy", r.Status)
	}
	if !r.Store.Reachable {
		t.Error("store not reported reachable")
	}
	if len(r.Queues) != 1 || r.Queues[0].Waiting != 1 {
		t.Errorf("Queues = %+v", r.Queues)
	}
	if len(r.Breakers) != 1 || len(r.OpenBreakers) != 0 {
		t.Errorf("Breakers = %+v, OpenBreakers = %v", r.Breakers, r.OpenBreakers)
	}
	if r.Connections != (realtime.Stats{Connections: 1, Subjects: 1, Groups: 1}) {
		t.Errorf("Connections = %+v", r.Connections)
	}
}

func TestReportDegradedWhenBreakerOpen(t *testing.T) {
	store := newStore(t)
	breakers := breaker.NewRegistry(breaker.Settings{ThresholdPct: 50, WindowSize: 2, OpenDuration: time.Minute}, nil)
	b := breakers.Get("search")
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	}

	c := NewChecker(store, breakers, nil, nil, 0)
	r := c.Report(context.Background())
	if r.Status != StatusDegraded {
		t.Errorf("Status = %q, want degraded", r.Status)
	}
	if len(r.OpenBreakers) != 1 || r.OpenBreakers[0] != "search" {
		t.Errorf("OpenBreakers = %v", r.OpenBreakers)
	}
	if !c.IsHealthy(context.Background()) {
		t.Error("open breaker should not fail IsHealthy")
	}
}

func TestReportUnhealthyWhenStoreClosed(t *testing.T) {
	store := newStore(t)
	_ = store.Close()

	c := NewChecker(store, nil, nil, nil, 0)
	if c.IsHealthy(context.Background()) {
		t.Error("IsHealthy() = true with a closed store")
	}
	r := c.Report(context.Background())
	if r.Status != StatusUnhealthy || r.Store.Reachable || r.Store.Error == "" {
		t.Errorf("Report() = %+v", r)
	}
	if len(r.Queues) != 0 {
		t.Error("queue stats reported for an unreachable store")
	}
}

func TestIsHealthyFollowsAggregatedStatus(t *testing.T) {
	tripped := func() *breaker.Registry {
		r := breaker.NewRegistry(breaker.Settings{ThresholdPct: 50, WindowSize: 1, OpenDuration: time.Minute}, nil)
		_ = r.Get("ledger").Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
		return r
	}

	tests := []struct {
		name        string
		closeStore  bool
		breakers    *breaker.Registry
		wantStatus  string
		wantHealthy bool
	}{
		{"store up", false, breaker.NewRegistry(breaker.DefaultSettings(), nil), StatusHealthy, true},
		{"store up with open breaker", false, tripped(), StatusDegraded, true},
		{"store down with open breaker", true, tripped(), StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			if tt.closeStore {
				_ = store.Close()
			}
			c := NewChecker(store, tt.breakers, nil, nil, 0)
			if got := c.Report(context.Background()).Status; got != tt.wantStatus {
				t.Errorf("Report().Status = %q, want %q", got, tt.wantStatus)
			}
			if got := c.IsHealthy(context.Background()); got != tt.wantHealthy {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.wantHealthy)
			}
		})
	}
}
