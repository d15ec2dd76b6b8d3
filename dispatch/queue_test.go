package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hqtest "github.com/halyardhq/halyard/internal/testing"
)

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func oneShotJob(taskID, execID string) *Job {
	return &Job{
		ID:          TaskJobID(taskID, execID),
		TaskID:      taskID,
		ExecutionID: execID,
		AgentID:     "agent-1",
		Prompt:      "do the thing",
		MaxAttempts: 3,
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	job := oneShotJob("task-1", "exec-1")
	inserted, err := q.Enqueue(job)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Restart recovery re-enqueues with the same deterministic id.
	inserted, err = q.Enqueue(oneShotJob("task-1", "exec-1"))
	require.NoError(t, err)
	assert.False(t, inserted)

	stats, err := q.Stats(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
}

func TestDequeueClaimsExactlyOnce(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	_, err := q.Enqueue(oneShotJob("task-1", "exec-1"))
	require.NoError(t, err)

	job, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.StartedAt)

	// Already claimed; a second dequeue finds nothing.
	again, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestDequeueSkipsDelayedAndRecurring(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	future := time.Now().Add(time.Hour)
	delayed := oneShotJob("task-delayed", "exec-1")
	delayed.RunAt = &future
	_, err := q.Enqueue(delayed)
	require.NoError(t, err)

	recurring := &Job{
		ID:             RecurringJobID("task-cron"),
		TaskID:         "task-cron",
		AgentID:        "agent-1",
		Prompt:         "hourly check",
		CronExpression: "0 * * * *",
		RunAt:          timePtrOf(time.Now().Add(-time.Minute)),
		MaxAttempts:    3,
	}
	_, err = q.Enqueue(recurring)
	require.NoError(t, err)

	// Neither the future job nor the recurring parent is claimable.
	job, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	assert.Nil(t, job)

	// Once its time passes, the delayed job dispatches.
	job, err = q.Dequeue(future.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "task-delayed", job.TaskID)
}

func TestDequeueOrdersByPriority(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	low := oneShotJob("task-low", "exec-1")
	low.Priority = 1
	high := oneShotJob("task-high", "exec-2")
	high.Priority = 10

	_, err := q.Enqueue(low)
	require.NoError(t, err)
	_, err = q.Enqueue(high)
	require.NoError(t, err)

	job, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "task-high", job.TaskID)
}

func TestFailRequeuesWithBackoffUntilExhausted(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour})

	_, err := q.Enqueue(oneShotJob("task-1", "exec-1"))
	require.NoError(t, err)

	job, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)

	retried, err := q.Fail(job, "transport down", true)
	require.NoError(t, err)
	assert.True(t, retried)

	got, err := q.Store().Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, "transport down", got.Error)
	require.NotNil(t, got.RunAt)
	assert.True(t, got.RunAt.After(time.Now()), "retry must be delayed")

	// Burn through the remaining attempts.
	for attempt := 2; attempt <= job.MaxAttempts; attempt++ {
		claimed, err := q.Dequeue(time.Now().Add(24 * time.Hour))
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d should dispatch", attempt)
		_, err = q.Fail(claimed, "still down", true)
		require.NoError(t, err)
	}

	got, err = q.Store().Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
}

func TestFailTerminalOnNonRetryableError(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	_, err := q.Enqueue(oneShotJob("task-1", "exec-1"))
	require.NoError(t, err)
	job, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)

	retried, err := q.Fail(job, "agent not found", false)
	require.NoError(t, err)
	assert.False(t, retried)

	got, err := q.Store().Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "agent not found", got.Error)
}

func TestCompleteFinishesJob(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	_, err := q.Enqueue(oneShotJob("task-1", "exec-1"))
	require.NoError(t, err)
	job, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Complete(job.ID))

	got, err := q.Store().Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestCancelTaskSparesRunningJobsFromDeletion(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	_, err := q.Enqueue(oneShotJob("task-1", "exec-1"))
	require.NoError(t, err)
	running, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, running)

	_, err = q.Enqueue(oneShotJob("task-1", "exec-2"))
	require.NoError(t, err)

	removed, cancelled, err := q.CancelTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, cancelled)

	// The waiting job is gone outright; the in-flight one is only marked.
	_, err = q.Store().Get(TaskJobID("task-1", "exec-2"))
	require.Error(t, err)

	got, err := q.Store().Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
}

func TestRecoverOrphansRequeuesRunningJobs(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	_, err := q.Enqueue(oneShotJob("task-1", "exec-1"))
	require.NoError(t, err)
	job, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)

	// Simulate a crash: a fresh queue over the same database finds the
	// job still marked running.
	fresh := NewQueue(db, testRetryPolicy())
	orphans, err := fresh.RecoverOrphans(100)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, job.ID, orphans[0].ID)

	recovered, err := fresh.Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, job.ID, recovered.ID)
	assert.Equal(t, 2, recovered.Attempts)
}

func TestQueueSubscribersSeeStateChanges(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	_, err := q.Enqueue(oneShotJob("task-1", "exec-1"))
	require.NoError(t, err)

	select {
	case job := <-ch:
		assert.Equal(t, JobStatusQueued, job.Status)
	default:
		t.Fatal("expected enqueue notification")
	}

	claimed, err := q.Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	select {
	case job := <-ch:
		assert.Equal(t, JobStatusRunning, job.Status)
	default:
		t.Fatal("expected claim notification")
	}
}

func TestStatsCensus(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	q := NewQueue(db, testRetryPolicy())

	now := time.Now()

	_, err := q.Enqueue(oneShotJob("task-a", "exec-1"))
	require.NoError(t, err)

	future := now.Add(time.Hour)
	delayed := oneShotJob("task-b", "exec-2")
	delayed.RunAt = &future
	_, err = q.Enqueue(delayed)
	require.NoError(t, err)

	_, err = q.Enqueue(oneShotJob("task-c", "exec-3"))
	require.NoError(t, err)
	running, err := q.Dequeue(now)
	require.NoError(t, err)
	require.NotNil(t, running)

	stats, err := q.Stats(now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Delayed)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(5))
	assert.Equal(t, 10*time.Second, p.Backoff(12))
}

func timePtrOf(t time.Time) *time.Time {
	return &t
}
