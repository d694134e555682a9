// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/switchyard/internal/events"
	"github.com/tomtom215/switchyard/internal/faults"
	"github.com/tomtom215/switchyard/internal/logging"
	"github.com/tomtom215/switchyard/internal/metrics"
)

// maintenanceBatch bounds how many jobs one maintenance transaction touches.
const maintenanceBatch = 100

// RecoverStalled returns active jobs whose lease expired to waiting, or to
// failed with a StalledJobError when their attempts are exhausted. Returns
// the number of jobs recovered.
func (s *Store) RecoverStalled(ctx context.Context) (int, error) {
	if err := s.checkNotClosed(); err != nil {
		return 0, err
	}

	total := 0
	for _, queue := range s.sortedQueues() {
		n, err := s.recoverStalledQueue(ctx, queue)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) recoverStalledQueue(ctx context.Context, queue string) (int, error) {
	q, err := s.queue(queue)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		now := s.now()
		var recovered []*Job
		err := s.update(ctx, func(txn *badger.Txn) error {
			recovered = recovered[:0]

			prefix := queuePrefix(prefixActive, queue)
			ids, err := scanIDs(txn, prefix, maintenanceBatch, func(key []byte) bool {
				t, ok := timeFromKey(key, prefix)
				return ok && t.Before(now)
			})
			if err != nil {
				return err
			}

			for _, id := range ids {
				job, err := readJob(txn, id)
				if err != nil {
					return err
				}
				expiredAt := job.LeaseExpiresAt
				if err := txn.Delete(indexKey(job)); err != nil {
					return err
				}

				job.LeaseToken = ""
				job.LeaseExpiresAt = time.Time{}
				job.StalledCount++
				if job.AttemptsMade >= job.MaxAttempts {
					job.Status = StatusFailed
					job.FinishedAt = now
					job.LastError = (&faults.StalledJobError{
						JobID:          job.ID,
						Queue:          job.Queue,
						LeaseExpiredAt: expiredAt,
					}).Error()
				} else {
					job.Status = StatusWaiting
				}
				if err := s.putJob(txn, job); err != nil {
					return err
				}
				recovered = append(recovered, job)
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("recover stalled %s: %w", queue, err)
		}

		requeued := false
		for _, job := range recovered {
			metrics.JobsActive.WithLabelValues(queue).Dec()
			s.observer.Observe(events.New(events.JobStalled, queue, job.eventFields()))
			if job.Status == StatusFailed {
				metrics.JobsFinished.WithLabelValues(queue, string(StatusFailed)).Inc()
				s.observer.Observe(events.New(events.JobFailed, queue, job.eventFields()))
			} else {
				requeued = true
			}
		}
		if requeued {
			s.notify(q)
		}

		total += len(recovered)
		if len(recovered) < maintenanceBatch {
			return total, nil
		}
	}
}

// PromoteDelayed moves delayed jobs that are due to waiting. Returns the
// number of jobs promoted.
func (s *Store) PromoteDelayed(ctx context.Context) (int, error) {
	if err := s.checkNotClosed(); err != nil {
		return 0, err
	}

	total := 0
	for _, queue := range s.sortedQueues() {
		q, err := s.queue(queue)
		if err != nil {
			return total, err
		}

		for {
			now := s.now()
			promoted := 0
			err := s.update(ctx, func(txn *badger.Txn) error {
				promoted = 0
				prefix := queuePrefix(prefixDelay, queue)
				ids, err := scanIDs(txn, prefix, maintenanceBatch, func(key []byte) bool {
					t, ok := timeFromKey(key, prefix)
					return ok && !t.After(now)
				})
				if err != nil {
					return err
				}
				for _, id := range ids {
					job, err := readJob(txn, id)
					if err != nil {
						return err
					}
					if err := txn.Delete(indexKey(job)); err != nil {
						return err
					}
					seq, err := s.seq.Next()
					if err != nil {
						return fmt.Errorf("next job sequence: %w", err)
					}
					job.Status = StatusWaiting
					job.Seq = seq
					if err := s.putJob(txn, job); err != nil {
						return err
					}
					promoted++
				}
				return nil
			})
			if err != nil {
				return total, fmt.Errorf("promote delayed %s: %w", queue, err)
			}

			total += promoted
			if promoted > 0 {
				s.notify(q)
			}
			if promoted < maintenanceBatch {
				break
			}
		}
	}
	return total, nil
}

// Stats counts the jobs of a queue per status.
func (s *Store) Stats(ctx context.Context, queue string) (QueueStats, error) {
	if err := s.checkNotClosed(); err != nil {
		return QueueStats{}, err
	}
	if _, err := s.queue(queue); err != nil {
		return QueueStats{}, err
	}

	stats := QueueStats{Queue: queue}
	err := s.db.View(func(txn *badger.Txn) error {
		counters := []struct {
			prefix string
			dst    *int
		}{
			{prefixWait, &stats.Waiting},
			{prefixDelay, &stats.Delayed},
			{prefixActive, &stats.Active},
			{prefixDone, &stats.Completed},
			{prefixDead, &stats.Failed},
		}
		for _, c := range counters {
			if err := ctx.Err(); err != nil {
				return err
			}
			*c.dst = countKeys(txn, queuePrefix(c.prefix, queue))
		}

		_, err := txn.Get(pausedKey(queue))
		switch {
		case err == nil:
			stats.Paused = true
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("read pause flag: %w", err)
		}
		return nil
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("stats %s: %w", queue, err)
	}
	return stats, nil
}

// Pause stops Lease from handing out jobs of queue. Enqueue still works.
func (s *Store) Pause(ctx context.Context, queue string) error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}
	if _, err := s.queue(queue); err != nil {
		return err
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(pausedKey(queue), []byte(s.now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return fmt.Errorf("pause %s: %w", queue, err)
	}
	logging.Info().Str("queue", queue).Msg("queue paused")
	return nil
}

// Resume undoes Pause.
func (s *Store) Resume(ctx context.Context, queue string) error {
	if err := s.checkNotClosed(); err != nil {
		return err
	}
	q, err := s.queue(queue)
	if err != nil {
		return err
	}
	err = s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(pausedKey(queue))
	})
	if err != nil {
		return fmt.Errorf("resume %s: %w", queue, err)
	}
	s.notify(q)
	logging.Info().Str("queue", queue).Msg("queue resumed")
	return nil
}

// DeadLetters returns up to limit failed jobs of queue, newest first.
func (s *Store) DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}
	if _, err := s.queue(queue); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var out []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := queuePrefix(prefixDead, queue)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job, err := readJob(txn, string(id))
			if err != nil {
				return err
			}
			out = append(out, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dead letters %s: %w", queue, err)
	}
	return out, nil
}

// Replay moves a failed job back to waiting with a fresh attempt budget.
func (s *Store) Replay(ctx context.Context, jobID string) (*Job, error) {
	if err := s.checkNotClosed(); err != nil {
		return nil, err
	}

	var job *Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		job, err = readJob(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != StatusFailed {
			return fmt.Errorf("%w: job is %s, want %s", ErrInvalidState, job.Status, StatusFailed)
		}
		if err := txn.Delete(indexKey(job)); err != nil {
			return err
		}

		seq, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("next job sequence: %w", err)
		}
		job.Status = StatusWaiting
		job.Seq = seq
		job.AttemptsMade = 0
		job.FinishedAt = time.Time{}
		job.ProcessAt = s.now()
		return s.putJob(txn, job)
	})
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", jobID, err)
	}

	s.observer.Observe(events.New(events.JobReplayed, job.Queue, job.eventFields()))
	if q, err := s.queue(job.Queue); err == nil {
		s.notify(q)
	}
	return job, nil
}

// Clean deletes completed or failed jobs of queue that finished more than
// olderThan ago. Returns the number deleted.
func (s *Store) Clean(ctx context.Context, queue string, status Status, olderThan time.Duration) (int, error) {
	if err := s.checkNotClosed(); err != nil {
		return 0, err
	}
	if _, err := s.queue(queue); err != nil {
		return 0, err
	}

	var prefix []byte
	switch status {
	case StatusCompleted:
		prefix = queuePrefix(prefixDone, queue)
	case StatusFailed:
		prefix = queuePrefix(prefixDead, queue)
	default:
		return 0, fmt.Errorf("%w: clean supports %s and %s, got %s", ErrInvalidState, StatusCompleted, StatusFailed, status)
	}

	cutoff := s.now().Add(-olderThan)
	deleted := 0
	for {
		scanned, n := 0, 0
		err := s.update(ctx, func(txn *badger.Txn) error {
			n = 0
			entries, err := scanIndex(txn, prefix, maintenanceBatch, func(key []byte) bool {
				t, ok := timeFromKey(key, prefix)
				return ok && t.Before(cutoff)
			})
			if err != nil {
				return err
			}
			scanned = len(entries)
			for _, e := range entries {
				// The index key goes even when the job record is already gone.
				if err := txn.Delete(e.key); err != nil {
					return err
				}
				job, err := readJob(txn, e.id)
				if errors.Is(err, ErrJobNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if err := txn.Delete(indexKey(job)); err != nil {
					return err
				}
				if err := txn.Delete(jobKey(e.id)); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("clean %s: %w", queue, err)
		}
		deleted += n
		if scanned < maintenanceBatch {
			break
		}
	}

	if deleted > 0 {
		logging.Info().Str("queue", queue).Str("status", string(status)).Int("deleted", deleted).Msg("cleaned jobs")
	}
	return deleted, nil
}

func (s *Store) sortedQueues() []string {
	names := s.Queues()
	sort.Strings(names)
	return names
}

func countKeys(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}
