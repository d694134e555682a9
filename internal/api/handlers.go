// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/switchyard/internal/auth"
	"github.com/tomtom215/switchyard/internal/breaker"
	"github.com/tomtom215/switchyard/internal/health"
	"github.com/tomtom215/switchyard/internal/jobs"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/realtime"
	"github.com/tomtom215/switchyard/internal/validation"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
	maxEnqueueBodyBytes    = 1 << 20
)

// JobStore is the part of *jobs.Store the admin API uses.
type JobStore interface {
	Queues() []string
	Stats(ctx context.Context, queue string) (jobs.QueueStats, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]*jobs.Job, error)
	Replay(ctx context.Context, jobID string) (*jobs.Job, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	Enqueue(ctx context.Context, queue string, payload any, opts jobs.EnqueueOptions) (*jobs.Job, error)
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
}

// BreakerLister is satisfied by *breaker.Registry.
type BreakerLister interface {
	Snapshots() []breaker.Snapshot
}

// ConnectionLister is satisfied by *realtime.Registry.
type ConnectionLister interface {
	Connections() []realtime.ConnectionInfo
	Stats() realtime.Stats
}

// HealthReporter is satisfied by *health.Checker.
type HealthReporter interface {
	Report(ctx context.Context) health.Report
}

// Handler serves the admin API.
type Handler struct {
	store       JobStore
	breakers    BreakerLister
	connections ConnectionLister
	health      HealthReporter
}

// NewHandler creates the handler.
func NewHandler(store JobStore, breakers BreakerLister, connections ConnectionLister, checker HealthReporter) *Handler {
	return &Handler{
		store:       store,
		breakers:    breakers,
		connections: connections,
		health:      checker,
	}
}

// EnqueueRequest is the body of POST /api/v1/queues/{queue}/jobs.
// Durations use Go syntax ("1.5s", "2m").
type EnqueueRequest struct {
	Payload       json.RawMessage `json:"payload" validate:"required"`
	Attempts      int             `json:"attempts,omitempty"`
	BackoffType   string          `json:"backoff_type,omitempty" validate:"omitempty,oneof=exponential fixed"`
	BackoffBase   string          `json:"backoff_base,omitempty"`
	Delay         string          `json:"delay,omitempty"`
	DedupKey      string          `json:"dedup_key,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	NotifySubject string          `json:"notify_subject,omitempty"`
	NotifyGroup   string          `json:"notify_group,omitempty"`
}

// options converts the request into store options.
func (req *EnqueueRequest) options() (jobs.EnqueueOptions, error) {
	opts := jobs.EnqueueOptions{
		Attempts:      req.Attempts,
		DedupKey:      req.DedupKey,
		Priority:      req.Priority,
		NotifySubject: req.NotifySubject,
		NotifyGroup:   req.NotifyGroup,
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return opts, errors.New("delay: " + err.Error())
		}
		opts.Delay = d
	}
	if req.BackoffBase != "" {
		d, err := time.ParseDuration(req.BackoffBase)
		if err != nil {
			return opts, errors.New("backoff_base: " + err.Error())
		}
		opts.Backoff = jobs.Backoff{Type: jobs.BackoffExponential, Base: d}
		if req.BackoffType != "" {
			opts.Backoff.Type = jobs.BackoffType(req.BackoffType)
		}
	}
	return opts, nil
}

// EnqueueResponse reports the stored job. Duplicate is set when the dedup
// key matched an existing job, which is returned instead.
type EnqueueResponse struct {
	Job       *jobs.Job `json:"job"`
	Duplicate bool      `json:"duplicate"`
}

// ConnectionsResponse lists realtime connections with registry totals.
type ConnectionsResponse struct {
	Stats       realtime.Stats            `json:"stats"`
	Connections []realtime.ConnectionInfo `json:"connections"`
}

// Healthz serves GET /healthz. The body is the full report; the status is
// 503 only when the report is unhealthy.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	report := h.health.Report(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondData(w, r, status, report)
}

// ListQueues serves GET /api/v1/queues.
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	names := h.store.Queues()
	sort.Strings(names)

	stats := make([]jobs.QueueStats, 0, len(names))
	for _, name := range names {
		s, err := h.store.Stats(r.Context(), name)
		if err != nil {
			respondStoreError(w, r, err)
			return
		}
		stats = append(stats, s)
	}
	respondList(w, r, stats)
}

// QueueStats serves GET /api/v1/queues/{queue}/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, stats)
}

// DeadLetters serves GET /api/v1/queues/{queue}/dead?limit=N.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := getIntParam(r, "limit", defaultDeadLetterLimit)
	if limit <= 0 || limit > maxDeadLetterLimit {
		respondError(w, r, http.StatusBadRequest, CodeValidation, "limit must be between 1 and 500", nil)
		return
	}

	dead, err := h.store.DeadLetters(r.Context(), chi.URLParam(r, "queue"), limit)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondList(w, r, dead)
}

// PauseQueue serves POST /api/v1/queues/{queue}/pause.
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// ResumeQueue serves POST /api/v1/queues/{queue}/resume.
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	queue := chi.URLParam(r, "queue")
	op := h.store.Resume
	if paused {
		op = h.store.Pause
	}
	if err := op(r.Context(), queue); err != nil {
		respondStoreError(w, r, err)
		return
	}

	id, _ := auth.IdentityFromContext(r.Context())
	logging.Ctx(r.Context()).Info().
		Str("queue", queue).
		Bool("paused", paused).
		Str("subject", id.Subject).
		Msg("queue state changed via admin API")

	stats, err := h.store.Stats(r.Context(), queue)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, stats)
}

// EnqueueJob serves POST /api/v1/queues/{queue}/jobs.
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeValidation, "Invalid JSON body: "+err.Error(), nil)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondJSON(w, r, http.StatusBadRequest, &APIResponse{
			Status: "error",
			Error:  &APIError{Code: CodeValidation, Message: verr.Error(), Details: verr.Details()},
		})
		return
	}
	opts, err := req.options()
	if err != nil {
		respondError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}

	job, err := h.store.Enqueue(r.Context(), chi.URLParam(r, "queue"), req.Payload, opts)
	switch {
	case errors.Is(err, jobs.ErrDuplicate):
		respondData(w, r, http.StatusOK, EnqueueResponse{Job: job, Duplicate: true})
	case err != nil:
		respondStoreError(w, r, err)
	default:
		w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
		respondData(w, r, http.StatusCreated, EnqueueResponse{Job: job})
	}
}

// GetJob serves GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, job)
}

// ReplayJob serves POST /api/v1/jobs/{id}/replay.
func (h *Handler) ReplayJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, job)
}

// Breakers serves GET /api/v1/breakers.
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	snaps := h.breakers.Snapshots()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	respondList(w, r, snaps)
}

// Connections serves GET /api/v1/connections.
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	conns := h.connections.Connections()
	if conns == nil {
		conns = []realtime.ConnectionInfo{}
	}
	respondData(w, r, http.StatusOK, ConnectionsResponse{
		Stats:       h.connections.Stats(),
		Connections: conns,
	})
}
