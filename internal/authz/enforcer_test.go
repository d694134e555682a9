// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package authz

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func newTestEnforcer(t *testing.T, cfg Config) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(cfg)
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	return e
}

func TestEmbeddedPolicy(t *testing.T) {
	e := newTestEnforcer(t, Config{})

	tests := []struct {
		role   string
		object string
		action string
		want   bool
	}{
		{"viewer", "/api/v1/queues/emails/stats", ActionRead, true},
		{"viewer", "/api/v1/queues/emails/dead", ActionRead, true},
		{"viewer", "/api/v1/breakers", ActionRead, true},
		{"viewer", "/api/v1/queues/emails/jobs", ActionWrite, false},
		{"viewer", "/api/v1/queues/emails/pause", ActionWrite, false},
		{"producer", "/api/v1/queues/emails/jobs", ActionWrite, true},
		{"producer", "/api/v1/connections", ActionRead, true},
		{"producer", "/api/v1/jobs/abc/replay", ActionWrite, false},
		{"admin", "/api/v1/jobs/abc/replay", ActionWrite, true},
		{"admin", "/api/v1/queues/emails/resume", ActionWrite, true},
		{"admin", "/metrics", ActionRead, false},
		{"", "/api/v1/breakers", ActionRead, false},
		{"guest", "/api/v1/breakers", ActionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.role+" "+tt.action+" "+tt.object, func(t *testing.T) {
			got, err := e.Enforce(tt.role, tt.object, tt.action)
			if err != nil {
				t.Fatalf("Enforce: %v", err)
			}
			if got != tt.want {
				t.Errorf("Enforce(%q, %q, %q) = %v, want %v", tt.role, tt.object, tt.action, got, tt.want)
			}
		})
	}
}

func TestDefaultRole(t *testing.T) {
	e := newTestEnforcer(t, Config{DefaultRole: "viewer"})
	got, err := e.Enforce("", "/api/v1/breakers", ActionRead)
	if err != nil || !got {
		t.Errorf("Enforce with default role = %v, %v", got, err)
	}
}

func TestPolicyFileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(path, []byte("p, ops, /api/v1/breakers, read\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	e := newTestEnforcer(t, Config{PolicyPath: path})
	if ok, _ := e.Enforce("ops", "/api/v1/breakers", ActionRead); !ok {
		t.Error("file policy not applied")
	}
	if ok, _ := e.Enforce("admin", "/api/v1/breakers", ActionRead); ok {
		t.Error("embedded policy still applied with a policy file")
	}
}

func TestLoadEmbeddedPolicyRejectsMalformed(t *testing.T) {
	e := newTestEnforcer(t, Config{})
	for _, bad := range []string{"p, viewer", "x, a, b", "p, a, b, c, d"} {
		if err := loadEmbeddedPolicy(e.enforcer, bad); err == nil {
			t.Errorf("loadEmbeddedPolicy(%q) succeeded", bad)
		}
	}
}

func TestActionForMethod(t *testing.T) {
	for method, want := range map[string]string{
		http.MethodGet:    ActionRead,
		http.MethodHead:   ActionRead,
		http.MethodPost:   ActionWrite,
		http.MethodDelete: ActionWrite,
	} {
		if got := ActionForMethod(method); got != want {
			t.Errorf("ActionForMethod(%s) = %s, want %s", method, got, want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	mw := NewMiddleware(newTestEnforcer(t, Config{}))
	h := mw.AuthorizeRequest(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		id     *auth.Identity
		method string
		path   string
		want   int
	}{
		{name: "no identity", method: http.MethodGet, path: "/api/v1/breakers", want: http.StatusForbidden},
		{name: "viewer read", id: &auth.Identity{Subject: "v", Role: "viewer"}, method: http.MethodGet, path: "/api/v1/breakers", want: http.StatusOK},
		{name: "viewer replay", id: &auth.Identity{Subject: "v", Role: "viewer"}, method: http.MethodPost, path: "/api/v1/jobs/j1/replay", want: http.StatusForbidden},
		{name: "admin replay", id: &auth.Identity{Subject: "a", Role: "admin"}, method: http.MethodPost, path: "/api/v1/jobs/j1/replay", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.id != nil {
				req = req.WithContext(auth.ContextWithIdentity(req.Context(), *tt.id))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
