// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

// Package jobs is a durable job queue on BadgerDB.
//
// Jobs move waiting -> active -> completed, or active -> delayed -> waiting on
// a retryable failure, or active -> failed once attempts are exhausted or the
// handler returns a terminal error. Failed jobs are kept as dead letters until
// replayed or cleaned.
//
// Leasing is at-least-once: a leased job carries a lease token and an expiry.
// Ack and Fail must present the token; if the lease expired and the job was
// recovered by RecoverStalled, a late Ack or Fail returns ErrLeaseLost and
// changes nothing.
//
// All state changes happen in Badger transactions. Lease additionally holds a
// per-queue mutex so two pools leasing the same queue cannot race on the
// same waiting keys.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomtom215/switchyard/internal/events"
	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/metrics"
	"github.com/tomtom215/switchyard/internal/validation"
)

// Config configures the store.
type Config struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests and ephemeral deployments.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Compression enables Snappy compression of the value log.
	Compression bool

	// LeaseDuration is the default visibility timeout of a leased job.
	// Default: 30s
	LeaseDuration time.Duration

	// DedupWindow is how long a dedup key suppresses duplicates.
	// Default: 5m
	DedupWindow time.Duration

	// CompletedRetention is how long completed jobs stay readable.
	// Default: 24h
	CompletedRetention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:               "./data/jobs",
		SyncWrites:         true,
		LeaseDuration:      30 * time.Second,
		DedupWindow:        5 * time.Minute,
		CompletedRetention: 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = def.CompletedRetention
	}
	return c
}

type queueState struct {
	config  QueueConfig
	limiter *rate.Limiter
	leaseMu sync.Mutex
	wake    chan struct{}
}

// Store is the job store. Safe for concurrent use.
type Store struct {
	db       *badger.DB
	seq      *badger.Sequence
	config   Config
	observer events.Observer
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queues map[string]*queueState
}

// Open opens (or creates) the store.
func Open(cfg Config, observer events.Observer) (*Store, error) {
	cfg = cfg.withDefaults()

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites && !cfg.InMemory
	if cfg.Compression {
		opts.Compression = options.Snappy
	}

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), 1000)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open job sequence: %w", err)
	}

	s := &Store{
		db:       db,
		seq:      seq,
		config:   cfg,
		observer: events.OrDiscard(observer),
		now:      time.Now,
		queues:   make(map[string]*queueState),
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Dur("lease", cfg.LeaseDuration).
		Msg("job store opened")
	return s, nil
}

// DeclareQueue registers a queue. Declaring the same config twice is a no-op;
// a different config for an existing name returns ErrQueueExists.
func (s *Store) DeclareQueue(cfg QueueConfig) error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}
	if verr := validation.ValidateStruct(&cfg); verr != nil {
		return fmt.Errorf("declare queue %q: %w", cfg.Name, verr)
	}
	if cfg.RateLimit.Max < 0 || (cfg.RateLimit.Max > 0 && cfg.RateLimit.Window <= 0) {
		return fmt.Errorf("declare queue %q: rate limit needs max > 0 and window > 0", cfg.Name)
	}
	cfg = cfg.withDefaults(s.config.LeaseDuration)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.queues[cfg.Name]; ok {
		if existing.config.equal(cfg) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrQueueExists, cfg.Name)
	}

	q := &queueState{
		config: cfg,
		wake:   make(chan struct{}, 1),
	}
	if cfg.RateLimit.Max > 0 {
		every := cfg.RateLimit.Window / time.Duration(cfg.RateLimit.Max)
		q.limiter = rate.NewLimiter(rate.Every(every), cfg.RateLimit.Max)
	}
	s.queues[cfg.Name] = q

	logging.Info().
		Str("queue", cfg.Name).
		Int("concurrency", cfg.Concurrency).
		Int("attempts", cfg.DefaultAttempts).
		Int("rate_max", cfg.RateLimit.Max).
		Dur("rate_window", cfg.RateLimit.Window).
		Msg("queue declared")
	return nil
}

// Queue returns the declared config of a queue.
func (s *Store) Queue(name string) (QueueConfig, error) {
	q, err := s.queue(name)
	if err != nil {
		return QueueConfig{}, err
	}
	return q.config, nil
}

// Queues returns the names of all declared queues.
func (s *Store) Queues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	return names
}

// Wake returns a channel that receives when the queue may have new eligible
// jobs. Intended for the queue's single worker pool.
func (s *Store) Wake(queue string) (<-chan struct{}, error) {
	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	return q.wake, nil
}

// Enqueue stores a new job. payload may be raw JSON or any value encodable
// as JSON. With a DedupKey seen inside the dedup window it returns the
// existing job and ErrDuplicate.
func (s *Store) Enqueue(ctx context.Context, queue string, payload any, opts EnqueueOptions) (*Job, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	if verr := validation.ValidateStruct(&opts); verr != nil {
		return nil, fmt.Errorf("enqueue options: %w", verr)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if q.config.Schema != nil {
		if err := q.config.Schema.Validate(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	now := s.now()
	job := &Job{
		ID:            uuid.NewString(),
		Queue:         queue,
		Payload:       raw,
		Status:        StatusWaiting,
		Priority:      opts.Priority,
		MaxAttempts:   q.config.DefaultAttempts,
		Backoff:       q.config.DefaultBackoff,
		DedupKey:      opts.DedupKey,
		CreatedAt:     now,
		ProcessAt:     now,
		NotifySubject: opts.NotifySubject,
		NotifyGroup:   opts.NotifyGroup,
	}
	if opts.Attempts > 0 {
		job.MaxAttempts = opts.Attempts
	}
	if opts.Backoff.Base > 0 {
		job.Backoff = opts.Backoff
		if job.Backoff.Type == "" {
			job.Backoff.Type = BackoffExponential
		}
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
		job.ProcessAt = now.Add(opts.Delay)
	}

	seq, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("next job sequence: %w", err)
	}
	job.Seq = seq

	var existing *Job
	err = s.update(ctx, func(txn *badger.Txn) error {
		existing = nil
		if job.DedupKey != "" {
			dup, err := s.findDuplicate(txn, queue, job.DedupKey)
			if err != nil {
				return err
			}
			if dup != nil {
				existing = dup
				return nil
			}
			entry := badger.NewEntry(dedupKey(queue, job.DedupKey), []byte(job.ID)).WithTTL(s.config.DedupWindow)
			if err := txn.SetEntry(entry); err != nil {
				return fmt.Errorf("set dedup key: %w", err)
			}
		}
		return s.putJob(txn, job)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", queue, err)
	}

	if existing != nil {
		metrics.JobsDeduplicated.WithLabelValues(queue).Inc()
		fields := existing.eventFields()
		fields["dedup_key"] = job.DedupKey
		s.observer.Observe(events.New(events.JobDeduplicated, queue, fields))
		return existing, ErrDuplicate
	}

	metrics.JobsEnqueued.WithLabelValues(queue).Inc()
	s.observer.Observe(events.New(events.JobEnqueued, queue, job.eventFields()))
	if job.Status == StatusWaiting {
		s.notify(q)
	}
	return job, nil
}

func (s *Store) findDuplicate(txn *badger.Txn, queue, key string) (*Job, error) {
	item, err := txn.Get(dedupKey(queue, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dedup key: %w", err)
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("read dedup key: %w", err)
	}
	job, err := readJob(txn, string(id))
	if errors.Is(err, ErrJobNotFound) {
		// Expired with its retention; the key no longer protects anything.
		return nil, nil
	}
	return job, err
}

// Lease moves up to count eligible jobs of queue to active and returns them.
// Waiting jobs come first (higher priority, then FIFO), then delayed jobs that
// are due. Paused queues and an exhausted rate limit return no jobs.
func (s *Store) Lease(ctx context.Context, queue string, count int) ([]*Job, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	q.leaseMu.Lock()
	defer q.leaseMu.Unlock()

	now := s.now()
	if q.limiter != nil {
		allowed := int(q.limiter.TokensAt(now))
		if allowed <= 0 {
			metrics.JobsRateLimited.WithLabelValues(queue).Inc()
			return nil, nil
		}
		count = min(count, allowed)
	}

	var leased []*Job
	err = s.update(ctx, func(txn *badger.Txn) error {
		leased = leased[:0]

		if _, err := txn.Get(pausedKey(queue)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read pause flag: %w", err)
		}

		ids, err := scanIDs(txn, queuePrefix(prefixWait, queue), count, nil)
		if err != nil {
			return err
		}
		if len(ids) < count {
			delayPrefix := queuePrefix(prefixDelay, queue)
			due, err := scanIDs(txn, delayPrefix, count-len(ids), func(key []byte) bool {
				t, ok := timeFromKey(key, delayPrefix)
				return ok && !t.After(now)
			})
			if err != nil {
				return err
			}
			ids = append(ids, due...)
		}

		for _, id := range ids {
			job, err := readJob(txn, id)
			if err != nil {
				return err
			}
			if err := txn.Delete(indexKey(job)); err != nil {
				return err
			}

			job.Status = StatusActive
			job.AttemptsMade++
			job.LeaseToken = uuid.NewString()
			job.LeaseExpiresAt = now.Add(q.config.LeaseDuration)
			if err := s.putJob(txn, job); err != nil {
				return err
			}
			leased = append(leased, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w", queue, err)
	}

	if q.limiter != nil && len(leased) > 0 {
		q.limiter.AllowN(now, len(leased))
	}

	if len(leased) > 0 {
		metrics.JobsLeased.WithLabelValues(queue).Add(float64(len(leased)))
		metrics.JobsActive.WithLabelValues(queue).Add(float64(len(leased)))
	}
	for _, job := range leased {
		s.observer.Observe(events.New(events.JobActive, queue, job.eventFields()))
	}
	return leased, nil
}

// Ack marks a leased job completed.
func (s *Store) Ack(ctx context.Context, jobID, leaseToken string) error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}

	now := s.now()
	var job *Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		job, err = s.takeLease(txn, jobID, leaseToken)
		if err != nil {
			return err
		}
		job.Status = StatusCompleted
		job.FinishedAt = now
		return s.putJob(txn, job)
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}

	metrics.JobsActive.WithLabelValues(job.Queue).Dec()
	metrics.JobsFinished.WithLabelValues(job.Queue, string(StatusCompleted)).Inc()
	metrics.JobDuration.WithLabelValues(job.Queue).Observe(job.FinishedAt.Sub(job.CreatedAt).Seconds())
	s.observer.Observe(events.New(events.JobCompleted, job.Queue, job.eventFields()))
	return nil
}

// Fail records a handler failure. Terminal errors and exhausted attempts
// dead-letter the job; anything else schedules a retry after the job's backoff.
func (s *Store) Fail(ctx context.Context, jobID, leaseToken string, cause error) error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}
	if cause == nil {
		cause = errors.New("unspecified failure")
	}

	now := s.now()
	var (
		job  *Job
		dead bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		job, err = s.takeLease(txn, jobID, leaseToken)
		if err != nil {
			return err
		}

		dead = faults.IsTerminal(cause) || job.AttemptsMade >= job.MaxAttempts
		if dead {
			job.Status = StatusFailed
			job.FinishedAt = now
			job.LastError = (&faults.DeadLetterError{
				JobID:    job.ID,
				Queue:    job.Queue,
				Attempts: job.AttemptsMade,
				Cause:    cause,
			}).Error()
		} else {
			job.Status = StatusDelayed
			job.ProcessAt = now.Add(job.Backoff.Delay(job.AttemptsMade))
			job.LastError = cause.Error()
		}
		return s.putJob(txn, job)
	})
	if err != nil {
		return fmt.Errorf("fail %s: %w", jobID, err)
	}

	metrics.JobsActive.WithLabelValues(job.Queue).Dec()
	fields := job.eventFields()
	if dead {
		metrics.JobsFinished.WithLabelValues(job.Queue, string(StatusFailed)).Inc()
		fields["terminal"] = faults.IsTerminal(cause)
		s.observer.Observe(events.New(events.JobFailed, job.Queue, fields))
		return nil
	}

	metrics.JobsFinished.WithLabelValues(job.Queue, "retrying").Inc()
	fields["retry_at"] = job.ProcessAt.Format(time.RFC3339Nano)
	fields["delay_ms"] = job.ProcessAt.Sub(now).Milliseconds()
	s.observer.Observe(events.New(events.JobRetrying, job.Queue, fields))
	return nil
}

// Release returns a leased job to waiting without consuming the attempt.
// Used for work cut short by shutdown.
func (s *Store) Release(ctx context.Context, jobID, leaseToken string) error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}

	var job *Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		job, err = s.takeLease(txn, jobID, leaseToken)
		if err != nil {
			return err
		}
		job.Status = StatusWaiting
		if job.AttemptsMade > 0 {
			job.AttemptsMade--
		}
		return s.putJob(txn, job)
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", jobID, err)
	}

	metrics.JobsActive.WithLabelValues(job.Queue).Dec()
	s.observer.Observe(events.New(events.JobReleased, job.Queue, job.eventFields()))
	if q, err := s.queue(job.Queue); err == nil {
		s.notify(q)
	}
	return nil
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	var job *Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = readJob(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Ping reports whether the store can serve reads.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(sequenceKey))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("ping: %w", err)
		}
		return nil
	})
}

// RunGC runs Badger value-log garbage collection until nothing is rewritten.
func (s *Store) RunGC() error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}
	if s.config.InMemory {
		return nil
	}

	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
	metrics.StoreGCRuns.Inc()
	return nil
}

// Close releases the sequence and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("failed to release job sequence")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	logging.Info().Msg("job store closed")
	return nil
}

// ============================================================================
// Internal Helper Functions
// ============================================================================

func (s *Store) checkNotClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *Store) queue(name string) (*queueState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

func (s *Store) notify(q *queueState) {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// maxConflictRetries bounds retries of a transaction that lost an optimistic
// concurrency race against another writer.
const maxConflictRetries = 5

// update runs fn in a read-write transaction, retrying on Badger conflicts.
// fn must be idempotent.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// takeLease loads an active job, verifies the token and removes its active
// index entry and lease fields. The caller sets the new status and saves.
func (s *Store) takeLease(txn *badger.Txn, jobID, leaseToken string) (*Job, error) {
	job, err := readJob(txn, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusActive || job.LeaseToken == "" || job.LeaseToken != leaseToken {
		return nil, ErrLeaseLost
	}
	if err := txn.Delete(indexKey(job)); err != nil {
		return nil, err
	}
	job.LeaseToken = ""
	job.LeaseExpiresAt = time.Time{}
	return job, nil
}

// putJob writes the job record and its status index entry. Completed jobs
// expire after the retention period.
func (s *Store) putJob(txn *badger.Txn, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	record := badger.NewEntry(jobKey(job.ID), data)
	index := badger.NewEntry(indexKey(job), []byte(job.ID))
	if job.Status == StatusCompleted {
		record = record.WithTTL(s.config.CompletedRetention)
		index = index.WithTTL(s.config.CompletedRetention)
	}
	if err := txn.SetEntry(record); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	if err := txn.SetEntry(index); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// readJob loads a job record. Returns ErrJobNotFound if missing.
func readJob(txn *badger.Txn, id string) (*Job, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	var job Job
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// scanIDs collects up to limit job IDs from index keys under prefix, in key
// order. When accept is set, the scan stops at the first key it rejects.
func scanIDs(txn *badger.Txn, prefix []byte, limit int, accept func(key []byte) bool) ([]string, error) {
	entries, err := scanIndex(txn, prefix, limit, accept)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// indexEntry is one index key and the job ID it points at.
type indexEntry struct {
	key []byte
	id  string
}

func scanIndex(txn *badger.Txn, prefix []byte, limit int, accept func(key []byte) bool) ([]indexEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: limit})
	defer it.Close()

	var entries []indexEntry
	for it.Seek(prefix); it.ValidForPrefix(prefix) && len(entries) < limit; it.Next() {
		item := it.Item()
		if accept != nil && !accept(item.Key()) {
			break
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read index %s: %w", item.Key(), err)
		}
		entries = append(entries, indexEntry{key: item.KeyCopy(nil), id: string(id)})
	}
	return entries, nil
}
