// Package dispatch implements the per-destination send queues and the
// dual-window admission control in front of them.
package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Ruankm/autopromo/internal/model"
)

// key identifies one destination queue.
type key struct {
	connectionID string
	group        string
}

// Queue holds one FIFO per (connection, destination group) and tracks the
// two cool-down timers that gate every send: per-group and per-connection.
type Queue struct {
	mu sync.Mutex

	queues map[key][]model.Job

	lastSentPerGroup      map[key]time.Time
	lastSentPerConnection map[string]time.Time

	// inflight marks destinations whose admission has been claimed but
	// not yet resolved by MarkSent or Release. It is what keeps two
	// racing TryAdmit calls from both passing for the same slot.
	inflight map[key]bool

	now func() time.Time
	log *slog.Logger
}

// New creates an empty Queue.
func New(log *slog.Logger) *Queue {
	return &Queue{
		queues:                make(map[key][]model.Job),
		lastSentPerGroup:      make(map[key]time.Time),
		lastSentPerConnection: make(map[string]time.Time),
		inflight:              make(map[key]bool),
		now:                   time.Now,
		log:                   log,
	}
}

// Enqueue appends a job to its destination queue.
func (q *Queue) Enqueue(job model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := key{job.ConnectionID, job.DestinationGroup}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}
	q.queues[k] = append(q.queues[k], job)
}

// Len returns the queue depth for a destination.
func (q *Queue) Len(connectionID, group string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key{connectionID, group}])
}

// TotalQueued returns the number of jobs across all queues.
func (q *Queue) TotalQueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, jobs := range q.queues {
		total += len(jobs)
	}
	return total
}

// TryAdmit checks both cool-down windows and, when both have elapsed,
// claims the send slot and returns the head job without removing it.
// The claim must be resolved with MarkSent or Release; until then every
// further TryAdmit for the same destination returns false.
func (q *Queue) TryAdmit(connectionID, group string, perGroup, global time.Duration) (model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := key{connectionID, group}
	jobs := q.queues[k]
	if len(jobs) == 0 {
		return model.Job{}, false
	}
	if q.inflight[k] {
		return model.Job{}, false
	}

	now := q.now()
	if now.Sub(q.lastSentPerGroup[k]) < perGroup {
		return model.Job{}, false
	}
	if now.Sub(q.lastSentPerConnection[connectionID]) < global {
		return model.Job{}, false
	}

	q.inflight[k] = true
	return jobs[0], true
}

// MarkSent resolves an admitted send: the head job is removed and both
// cool-down timers are stamped together. Stamping one without the other
// would let the unstamped window admit a send it should block.
func (q *Queue) MarkSent(connectionID, group string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := key{connectionID, group}
	if jobs := q.queues[k]; len(jobs) > 0 {
		q.queues[k] = jobs[1:]
		if len(q.queues[k]) == 0 {
			delete(q.queues, k)
		}
	}

	now := q.now()
	q.lastSentPerGroup[k] = now
	q.lastSentPerConnection[connectionID] = now
	delete(q.inflight, k)
}

// Release resolves a failed send: the claim is dropped, the job stays at
// the head of its queue, and no timer is stamped.
func (q *Queue) Release(connectionID, group string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, key{connectionID, group})
}

// Drop discards all queues and claims belonging to a connection. Used
// when a connection is deleted or disconnected.
func (q *Queue) Drop(connectionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for k := range q.queues {
		if k.connectionID == connectionID {
			delete(q.queues, k)
			delete(q.inflight, k)
		}
	}
	delete(q.lastSentPerConnection, connectionID)
}

// CleanupStale discards jobs older than maxAge so queues cannot grow
// without bound while a connection stays disconnected. Returns the number
// of discarded jobs.
func (q *Queue) CleanupStale(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for k, jobs := range q.queues {
		if q.inflight[k] {
			// The head is claimed by an unresolved send; removing it
			// here would make MarkSent pop a job that never went out.
			continue
		}
		kept := jobs[:0]
		for _, job := range jobs {
			if job.CreatedAt.Before(cutoff) {
				removed++
				q.log.Warn("discarding stale job",
					"connection_id", k.connectionID, "group", k.group,
					"age", q.now().Sub(job.CreatedAt).String())
				continue
			}
			kept = append(kept, job)
		}
		if len(kept) == 0 {
			delete(q.queues, k)
		} else {
			q.queues[k] = kept
		}
	}
	return removed
}
