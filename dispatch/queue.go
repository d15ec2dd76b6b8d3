package dispatch

import (
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halyardhq/halyard/logger"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100

	// dequeueBatchSize bounds how many due candidates one Dequeue inspects
	// while racing other workers for a claim.
	dequeueBatchSize = 10
)

// RetryPolicy controls the exponential backoff between job attempts.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Backoff returns the delay before the given attempt is retried: base
// doubled per prior attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Queue is the durable dispatch queue: persistence through Store, plus
// in-process subscriber channels for job state changes.
type Queue struct {
	mu          sync.RWMutex
	store       *Store
	retry       RetryPolicy
	subscribers []chan *Job
	logger      *zap.SugaredLogger
}

// NewQueue creates a queue over the given database.
func NewQueue(db *sql.DB, retry RetryPolicy) *Queue {
	return &Queue{
		store:  NewStore(db),
		retry:  retry,
		logger: logger.Named("dispatch.queue"),
	}
}

// Store exposes the underlying job store.
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue persists a job. Re-enqueueing an existing id is a silent no-op;
// the return reports whether a new row was written.
func (q *Queue) Enqueue(job *Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inserted, err := q.store.Create(job)
	if err != nil {
		return false, err
	}
	if inserted {
		q.notifySubscribers(job)
	}
	return inserted, nil
}

// Dequeue claims the next due one-shot job, or nil when none is ready. The
// claim's status guard guarantees single delivery across workers.
func (q *Queue) Dequeue(now time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	candidates, err := q.store.DueOneShot(now, dequeueBatchSize)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		claimed, err := q.store.Claim(candidate.ID, now)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}

		job, err := q.store.Get(candidate.ID)
		if err != nil {
			return nil, err
		}
		q.notifySubscribers(job)
		return job, nil
	}
	return nil, nil
}

// Complete marks a running job finished.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.MarkCompleted(id); err != nil {
		return err
	}
	q.notifyByID(id)
	return nil
}

// Fail records a failed attempt. Retryable failures under the attempt cap
// requeue with exponential backoff; everything else fails terminally.
// Returns true when the job will be retried.
func (q *Queue) Fail(job *Job, errMsg string, retryable bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !retryable || job.Attempts >= job.MaxAttempts {
		if err := q.store.MarkFailed(job.ID, errMsg); err != nil {
			return false, err
		}
		q.notifyByID(job.ID)
		return false, nil
	}

	backoff := q.retry.Backoff(job.Attempts)
	runAt := time.Now().Add(backoff)
	if err := q.store.Requeue(job.ID, errMsg, runAt); err != nil {
		return false, err
	}

	q.logger.Infow("Job requeued for retry",
		"job_id", job.ID,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"backoff", backoff,
	)
	q.notifyByID(job.ID)
	return true, nil
}

// CancelTask removes a task's waiting jobs and cooperatively cancels its
// running ones. Returns (removed, cancelled).
func (q *Queue) CancelTask(taskID string) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed, err := q.store.DeleteWaiting(taskID)
	if err != nil {
		return 0, 0, err
	}
	cancelled, err := q.store.CancelRunning(taskID)
	if err != nil {
		return removed, 0, err
	}
	return removed, cancelled, nil
}

// RecoverOrphans requeues jobs left running by a previous process and
// returns them so their execution records can be reset too.
func (q *Queue) RecoverOrphans(limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	orphans, err := q.store.ListRunning(limit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, job := range orphans {
		if err := q.store.Requeue(job.ID, "", now); err != nil {
			q.logger.Warnw("Failed to recover orphaned job",
				"job_id", job.ID,
				"error", err.Error(),
			)
			continue
		}
		q.logger.Infow("Recovered orphaned job", "job_id", job.ID)
	}
	return orphans, nil
}

// Stats returns a point-in-time census of the queue.
func (q *Queue) Stats(now time.Time) (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.store.Stats(now)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job updates to all subscribers.
// REQUIRES: q.mu must be held by caller.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(job *Job) {
	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}

// notifyByID reloads a job and notifies subscribers; load failures only log.
// REQUIRES: q.mu must be held by caller.
func (q *Queue) notifyByID(id string) {
	job, err := q.store.Get(id)
	if err != nil {
		q.logger.Debugw("Skipping notification for unloadable job",
			"job_id", id,
			"error", err.Error(),
		)
		return
	}
	q.notifySubscribers(job)
}
