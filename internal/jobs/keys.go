// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package jobs

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Key layout. Job records live under job:<id>; every other prefix is an index
// whose key sorts in lease order and whose value is the job ID.
//
//	job:<id>                               job record (JSON)
//	wait:<queue>:<rank>:<seq>              waiting, higher priority first then FIFO
//	delay:<queue>:<process_at>:<id>        delayed, by due time
//	active:<queue>:<lease_expiry>:<id>     active, by lease expiry
//	done:<queue>:<finished_at>:<id>        completed (TTL = retention)
//	dead:<queue>:<finished_at>:<id>        failed / dead-lettered
//	dedup:<queue>:<key>                    dedup marker (TTL = dedup window)
//	paused:<queue>                         pause flag
//
// Queue names are identifiers, so ':' never appears inside them. Times are
// fixed-width hex Unix nanoseconds so byte order equals time order.
const (
	prefixJob    = "job:"
	prefixWait   = "wait:"
	prefixDelay  = "delay:"
	prefixActive = "active:"
	prefixDone   = "done:"
	prefixDead   = "dead:"
	prefixDedup  = "dedup:"
	prefixPaused = "paused:"

	sequenceKey = "seq:jobs"
)

func jobKey(id string) []byte {
	return []byte(prefixJob + id)
}

func queuePrefix(prefix, queue string) []byte {
	return []byte(prefix + queue + ":")
}

func hexTime(t time.Time) string {
	return fmt.Sprintf("%016x", uint64(t.UnixNano()))
}

// priorityRank inverts priority so that higher priorities sort first.
func priorityRank(priority int) string {
	return fmt.Sprintf("%016x", uint64(int64(math.MaxInt32)-int64(priority)))
}

func waitKey(queue string, priority int, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%016x", prefixWait, queue, priorityRank(priority), seq))
}

func timedKey(prefix, queue string, t time.Time, id string) []byte {
	return []byte(prefix + queue + ":" + hexTime(t) + ":" + id)
}

func dedupKey(queue, key string) []byte {
	return []byte(prefixDedup + queue + ":" + key)
}

func pausedKey(queue string) []byte {
	return []byte(prefixPaused + queue)
}

// indexKey returns the index entry for the job's current status.
func indexKey(j *Job) []byte {
	switch j.Status {
	case StatusWaiting:
		return waitKey(j.Queue, j.Priority, j.Seq)
	case StatusDelayed:
		return timedKey(prefixDelay, j.Queue, j.ProcessAt, j.ID)
	case StatusActive:
		return timedKey(prefixActive, j.Queue, j.LeaseExpiresAt, j.ID)
	case StatusCompleted:
		return timedKey(prefixDone, j.Queue, j.FinishedAt, j.ID)
	case StatusFailed:
		return timedKey(prefixDead, j.Queue, j.FinishedAt, j.ID)
	default:
		return nil
	}
}

// timeFromKey extracts the hex timestamp of a timed index key.
func timeFromKey(key []byte, prefix []byte) (time.Time, bool) {
	rest := strings.TrimPrefix(string(key), string(prefix))
	ts, _, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseUint(ts, 16, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, int64(n)), true
}
