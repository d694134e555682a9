// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/jobs"
	"github.com/tomtom215/switchyard/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

var (
	_ suture.Service = (*Pool)(nil)
	_ suture.Service = (*Manager)(nil)
	_ Store          = (*jobs.Store)(nil)
)

func newTestStore(t *testing.T, queues ...jobs.QueueConfig) *jobs.Store {
	t.Helper()
	s, err := jobs.Open(jobs.Config{InMemory: true}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	for _, q := range queues {
		if err := s.DeclareQueue(q); err != nil {
			t.Fatalf("declare %s: %v", q.Name, err)
		}
	}
	return s
}

// runPool serves p until the test ends and returns a func that stops it and
// waits for Serve to return.
func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Serve(ctx)
		close(done)
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Error("pool did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitForStatus(t *testing.T, s *jobs.Store, id string, want jobs.Status, timeout time.Duration) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		job, err := s.Get(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not reach %s within %v (last: %+v, err: %v)", id, want, timeout, job, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var fastConfig = Config{PollInterval: 20 * time.Millisecond, DrainTimeout: 2 * time.Second}

func TestRetriesHonourBackoffBeforeCompleting(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "scenario"})

	var calls atomic.Int32
	pool, err := NewPool(s, "scenario", func(context.Context, *jobs.Job) error {
		if calls.Add(1) <= 2 {
			return errors.New("temporarily unavailable")
		}
		return nil
	}, fastConfig)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	start := time.Now()
	job, err := s.Enqueue(context.Background(), "scenario", map[string]int{"n": 1}, jobs.EnqueueOptions{
		Attempts: 3,
		Backoff:  jobs.Backoff{Type: jobs.BackoffExponential, Base: 1000 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	runPool(t, pool)

	done := waitForStatus(t, s, job.ID, jobs.StatusCompleted, 10*time.Second)
	elapsed := time.Since(start)

	if elapsed < 3000*time.Millisecond {
		t.Errorf("completed after %v, want >= 3s (1000ms + 2000ms backoff)", elapsed)
	}
	if calls.Load() != 3 {
		t.Errorf("handler executions = %d, want 3", calls.Load())
	}
	if done.AttemptsMade != 3 {
		t.Errorf("AttemptsMade = %d, want 3", done.AttemptsMade)
	}
}

func TestConcurrencyCap(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "capped", Concurrency: 3})

	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	pool, err := NewPool(s, "capped", func(context.Context, *jobs.Job) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return nil
	}, fastConfig)
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 12; i++ {
		job, err := s.Enqueue(context.Background(), "capped", i, jobs.EnqueueOptions{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.ID)
	}
	runPool(t, pool)

	for _, id := range ids {
		waitForStatus(t, s, id, jobs.StatusCompleted, 5*time.Second)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
	if p := peak.Load(); p < 2 {
		t.Errorf("peak concurrency = %d, expected parallel execution", p)
	}
}

func TestStalledJobLeasedAgainWhileOldHandlerRuns(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "sticky", Concurrency: 2, LeaseDuration: 150 * time.Millisecond})

	var (
		current atomic.Int32
		peak    atomic.Int32
		runs    atomic.Int32
	)
	firstStarted := make(chan struct{})
	secondStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})

	stuck, err := s.Enqueue(context.Background(), "sticky", "stuck", jobs.EnqueueOptions{Attempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	pool, err := NewPool(s, "sticky", func(_ context.Context, job *jobs.Job) error {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if job.ID == stuck.ID {
			// Both runs ignore ctx, outliving their leases.
			switch runs.Add(1) {
			case 1:
				close(firstStarted)
				<-releaseFirst
			case 2:
				close(secondStarted)
				<-releaseSecond
			}
			return nil
		}
		time.Sleep(30 * time.Millisecond)
		return nil
	}, fastConfig)
	if err != nil {
		t.Fatal(err)
	}
	runPool(t, pool)

	<-firstStarted
	time.Sleep(200 * time.Millisecond)
	if n, err := s.RecoverStalled(context.Background()); err != nil || n != 1 {
		t.Fatalf("RecoverStalled = %d, %v; want 1", n, err)
	}
	select {
	case <-secondStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled job was not leased again")
	}
	if got := pool.Active(); got != 2 {
		t.Errorf("Active() with both runs in flight = %d, want 2", got)
	}

	// The old run returning must free only its own slot.
	close(releaseFirst)
	deadline := time.Now().Add(5 * time.Second)
	for pool.Active() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Active() = %d after the old run returned, want 1", pool.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}

	var ids []string
	for i := 0; i < 6; i++ {
		job, err := s.Enqueue(context.Background(), "sticky", i, jobs.EnqueueOptions{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.ID)
	}
	time.Sleep(200 * time.Millisecond)
	close(releaseSecond)

	for _, id := range ids {
		waitForStatus(t, s, id, jobs.StatusCompleted, 5*time.Second)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent handlers = %d, want <= 2", p)
	}
}

func TestExhaustedAttemptsDeadLetter(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "doomed"})

	var calls atomic.Int32
	pool, _ := NewPool(s, "doomed", func(context.Context, *jobs.Job) error {
		calls.Add(1)
		return errors.New("still broken")
	}, fastConfig)

	job, _ := s.Enqueue(context.Background(), "doomed", "x", jobs.EnqueueOptions{
		Attempts: 3,
		Backoff:  jobs.Backoff{Type: jobs.BackoffFixed, Base: 10 * time.Millisecond},
	})
	runPool(t, pool)

	failed := waitForStatus(t, s, job.ID, jobs.StatusFailed, 5*time.Second)
	if calls.Load() != 3 {
		t.Errorf("executions = %d, want 3", calls.Load())
	}
	if failed.LastError == "" {
		t.Error("dead letter has no LastError")
	}
}

func TestTerminalErrorNotRetried(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "strict"})

	var calls atomic.Int32
	pool, _ := NewPool(s, "strict", func(context.Context, *jobs.Job) error {
		calls.Add(1)
		return faults.Terminal("validate", errors.New("bad recipient"))
	}, fastConfig)

	job, _ := s.Enqueue(context.Background(), "strict", "x", jobs.EnqueueOptions{Attempts: 5})
	runPool(t, pool)

	waitForStatus(t, s, job.ID, jobs.StatusFailed, 5*time.Second)
	if calls.Load() != 1 {
		t.Errorf("executions = %d, want 1", calls.Load())
	}
}

func TestPanicIsRecoveredAsFailure(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "panicky"})

	pool, _ := NewPool(s, "panicky", func(context.Context, *jobs.Job) error {
		panic("nil map write")
	}, fastConfig)

	bad, _ := s.Enqueue(context.Background(), "panicky", "x", jobs.EnqueueOptions{Attempts: 1})
	runPool(t, pool)

	failed := waitForStatus(t, s, bad.ID, jobs.StatusFailed, 5*time.Second)
	if failed.LastError == "" {
		t.Error("panic not recorded")
	}
}

func TestHandlerDeadlineIsLeaseExpiry(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "timed", LeaseDuration: 45 * time.Second})

	type observed struct {
		deadline time.Time
		expiry   time.Time
		ok       bool
	}
	seen := make(chan observed, 1)
	pool, _ := NewPool(s, "timed", func(ctx context.Context, job *jobs.Job) error {
		d, ok := ctx.Deadline()
		seen <- observed{deadline: d, expiry: job.LeaseExpiresAt, ok: ok}
		return nil
	}, fastConfig)

	_, _ = s.Enqueue(context.Background(), "timed", "x", jobs.EnqueueOptions{})
	runPool(t, pool)

	select {
	case o := <-seen:
		if !o.ok || !o.deadline.Equal(o.expiry) {
			t.Errorf("handler deadline = %v (set=%v), want lease expiry %v", o.deadline, o.ok, o.expiry)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDrainLetsInFlightFinish(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "graceful"})

	started := make(chan struct{})
	pool, _ := NewPool(s, "graceful", func(context.Context, *jobs.Job) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	}, fastConfig)

	job, _ := s.Enqueue(context.Background(), "graceful", "x", jobs.EnqueueOptions{})
	stop := runPool(t, pool)

	<-started
	stop()

	got, _ := s.Get(context.Background(), job.ID)
	if got.Status != jobs.StatusCompleted {
		t.Errorf("status after drain = %s, want completed", got.Status)
	}
}

func TestForceTerminateReleasesJob(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "stuck"})

	started := make(chan struct{})
	canceled := make(chan struct{})
	pool, _ := NewPool(s, "stuck", func(ctx context.Context, _ *jobs.Job) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}, Config{PollInterval: 20 * time.Millisecond, DrainTimeout: 100 * time.Millisecond})

	job, _ := s.Enqueue(context.Background(), "stuck", "x", jobs.EnqueueOptions{})
	stop := runPool(t, pool)

	<-started
	begin := time.Now()
	stop()
	if waited := time.Since(begin); waited > 2*time.Second {
		t.Errorf("shutdown took %v with a 100ms drain timeout", waited)
	}

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Error("handler context was not cancelled")
	}

	got, _ := s.Get(context.Background(), job.ID)
	if got.Status != jobs.StatusWaiting {
		t.Errorf("status = %s, want waiting after force-terminate", got.Status)
	}
	if got.AttemptsMade != 0 {
		t.Errorf("AttemptsMade = %d, want 0 (release keeps the attempt)", got.AttemptsMade)
	}
}

type greeting struct {
	Name string `json:"name"`
}

func TestTyped(t *testing.T) {
	var got string
	h := Typed(func(_ context.Context, _ *jobs.Job, g greeting) error {
		got = g.Name
		return nil
	})

	if err := h(context.Background(), &jobs.Job{Payload: []byte(`{"name":"ada"}`)}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got != "ada" {
		t.Errorf("decoded name = %q", got)
	}

	err := h(context.Background(), &jobs.Job{Payload: []byte(`{"name":`)})
	if !faults.IsTerminal(err) {
		t.Errorf("bad payload err = %v, want terminal", err)
	}
}

func TestManager(t *testing.T) {
	s := newTestStore(t, jobs.QueueConfig{Name: "a", Concurrency: 2}, jobs.QueueConfig{Name: "b"})
	m := NewManager(s, fastConfig, suture.Spec{})

	noop := func(context.Context, *jobs.Job) error { return nil }
	if _, err := m.RegisterProcessor("a", noop); err != nil {
		t.Fatalf("RegisterProcessor(a): %v", err)
	}
	if _, err := m.RegisterProcessor("a", noop); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second registration = %v, want ErrAlreadyRegistered", err)
	}
	if _, err := m.RegisterProcessor("missing", noop); !errors.Is(err, jobs.ErrUnknownQueue) {
		t.Errorf("unknown queue = %v, want ErrUnknownQueue", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := m.sup.ServeBackground(ctx)

	// Registering after start still runs the pool.
	if _, err := m.RegisterProcessor("b", noop); err != nil {
		t.Fatalf("RegisterProcessor(b): %v", err)
	}
	job, _ := s.Enqueue(context.Background(), "b", "x", jobs.EnqueueOptions{})
	waitForStatus(t, s, job.ID, jobs.StatusCompleted, 5*time.Second)

	status := m.Status()
	if len(status) != 2 || status[0].Queue != "a" || status[0].Concurrency != 2 || status[1].Executed != 1 {
		t.Errorf("Status() = %+v", status)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
	}
	if m.String() != "worker-manager" {
		t.Errorf("String() = %q", m.String())
	}
}
