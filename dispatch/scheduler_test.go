package dispatch

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyardhq/halyard/broadcast"
	"github.com/halyardhq/halyard/config"
	hqtest "github.com/halyardhq/halyard/internal/testing"
	"github.com/halyardhq/halyard/store"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Workers:               1,
		PollIntervalSeconds:   1,
		TickerIntervalSeconds: 1,
		MaxAttempts:           3,
		RetryBaseDelayMs:      1000,
		RetryMaxDelayMs:       60000,
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *sql.DB) {
	t.Helper()
	db := hqtest.CreateTestDB(t)
	sched := NewScheduler(context.Background(), db, failingResolver{}, broadcast.Nop{}, testSchedulerConfig())
	return sched, db
}

// failingResolver stands in where tests never reach execution.
type failingResolver struct{}

func (failingResolver) ResolveExecutor(ctx context.Context, serverID string) (Executor, error) {
	panic("resolver must not be reached in this test")
}

func TestScheduleTaskImmediate(t *testing.T) {
	sched, db := newTestScheduler(t)

	rec, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "summarize the logs", ScheduleOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusQueued, rec.Status)

	task, err := store.NewTaskStore(db).GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, task.Status)
	assert.Nil(t, task.NextRunAt)

	job, err := sched.Queue().Store().Get(TaskJobID("task-1", rec.ID))
	require.NoError(t, err)
	assert.Nil(t, job.RunAt)
	assert.True(t, job.Due(time.Now()))
}

func TestScheduleTaskDelayed(t *testing.T) {
	sched, db := newTestScheduler(t)

	rec, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "nightly report", ScheduleOptions{
		Delay: 2 * time.Hour,
	})
	require.NoError(t, err)

	task, err := store.NewTaskStore(db).GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusScheduled, task.Status)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.After(time.Now().Add(time.Hour)))

	// The delayed job must not dispatch before its time.
	job, err := sched.Queue().Dequeue(time.Now())
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = sched.Queue().Dequeue(time.Now().Add(3 * time.Hour))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, rec.ID, job.ExecutionID)
}

func TestScheduleTaskAtAbsoluteTime(t *testing.T) {
	sched, _ := newTestScheduler(t)

	at := time.Now().Add(30 * time.Minute)
	rec, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "ping", ScheduleOptions{
		ScheduledAt: &at,
	})
	require.NoError(t, err)

	job, err := sched.Queue().Store().Get(TaskJobID("task-1", rec.ID))
	require.NoError(t, err)
	require.NotNil(t, job.RunAt)
	assert.WithinDuration(t, at, *job.RunAt, time.Second)
}

func TestScheduleTaskPastAbsoluteTimeRunsNow(t *testing.T) {
	sched, db := newTestScheduler(t)

	at := time.Now().Add(-2 * time.Hour)
	rec, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "ping", ScheduleOptions{
		ScheduledAt: &at,
	})
	require.NoError(t, err)

	task, err := store.NewTaskStore(db).GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, task.Status)
	assert.Nil(t, task.NextRunAt)

	job, err := sched.Queue().Store().Get(TaskJobID("task-1", rec.ID))
	require.NoError(t, err)
	assert.Nil(t, job.RunAt)
	assert.True(t, job.Due(time.Now()))
}

func TestScheduleTaskDelayWinsOverAbsoluteTime(t *testing.T) {
	sched, _ := newTestScheduler(t)

	at := time.Now().Add(30 * time.Minute)
	rec, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "ping", ScheduleOptions{
		Delay:       2 * time.Hour,
		ScheduledAt: &at,
	})
	require.NoError(t, err)

	job, err := sched.Queue().Store().Get(TaskJobID("task-1", rec.ID))
	require.NoError(t, err)
	require.NotNil(t, job.RunAt)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), *job.RunAt, time.Second)
}

func TestScheduleRecurringTask(t *testing.T) {
	sched, db := newTestScheduler(t)

	task, err := sched.ScheduleRecurringTask(context.Background(), "task-cron", "agent-1", "hourly digest", "0 * * * *", 5)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusScheduled, task.Status)
	assert.Equal(t, "0 * * * *", task.CronExpression)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.After(time.Now()))

	parent, err := sched.Queue().Store().Get(RecurringJobID("task-cron"))
	require.NoError(t, err)
	assert.True(t, parent.IsRecurring())
	assert.Empty(t, parent.ExecutionID)

	// The recurring parent never dispatches to a worker directly.
	job, err := sched.Queue().Dequeue(time.Now().Add(48 * time.Hour))
	require.NoError(t, err)
	assert.Nil(t, job)

	got, err := store.NewTaskStore(db).GetTask("task-cron")
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", got.CronExpression)
}

func TestScheduleRecurringTaskRejectsBadCron(t *testing.T) {
	sched, _ := newTestScheduler(t)

	_, err := sched.ScheduleRecurringTask(context.Background(), "task-cron", "agent-1", "digest", "not a cron", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestCancelTaskRemovesWaitingAndDelayed(t *testing.T) {
	sched, db := newTestScheduler(t)

	rec, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "work", ScheduleOptions{Delay: time.Hour})
	require.NoError(t, err)

	removed, cancelled, err := sched.CancelTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, cancelled)

	task, err := store.NewTaskStore(db).GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCancelled, task.Status)

	got, err := store.NewExecutionStore(db).GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusCancelled, got.Status)
}

func TestCancelTaskNeverPreemptsInFlight(t *testing.T) {
	sched, _ := newTestScheduler(t)

	rec, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "work", ScheduleOptions{})
	require.NoError(t, err)

	// A worker has already claimed the job.
	running, err := sched.Queue().Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, running)

	removed, cancelled, err := sched.CancelTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, cancelled)

	// The job row survives for the in-flight attempt to report against.
	got, err := sched.Queue().Store().Get(TaskJobID("task-1", rec.ID))
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)
}

func TestCancelTaskUnknownTask(t *testing.T) {
	sched, _ := newTestScheduler(t)

	_, _, err := sched.CancelTask(context.Background(), "no-such-task")
	require.Error(t, err)
}

func TestInitializeRecoversOrphans(t *testing.T) {
	sched, db := newTestScheduler(t)

	rec, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "work", ScheduleOptions{})
	require.NoError(t, err)

	job, err := sched.Queue().Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, store.NewExecutionStore(db).MarkRunning(rec.ID, time.Now()))

	// New process over the same database.
	restarted := NewScheduler(context.Background(), db, failingResolver{}, broadcast.Nop{}, testSchedulerConfig())
	require.NoError(t, restarted.Initialize())

	// Both the job and its execution record are back in the queue.
	got, err := store.NewExecutionStore(db).GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStatusQueued, got.Status)

	recovered, err := restarted.Queue().Dequeue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, job.ID, recovered.ID)
}

func TestInitializeRestoresRecurringTasks(t *testing.T) {
	sched, db := newTestScheduler(t)

	_, err := sched.ScheduleRecurringTask(context.Background(), "task-cron", "agent-1", "digest", "*/5 * * * *", 0)
	require.NoError(t, err)

	// Simulate losing the queue rows but keeping the task table.
	_, err = db.Exec(`DELETE FROM exec_jobs`)
	require.NoError(t, err)

	restarted := NewScheduler(context.Background(), db, failingResolver{}, broadcast.Nop{}, testSchedulerConfig())
	require.NoError(t, restarted.Initialize())

	parent, err := restarted.Queue().Store().Get(RecurringJobID("task-cron"))
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", parent.CronExpression)
	require.NotNil(t, parent.RunAt)
	assert.True(t, parent.RunAt.After(time.Now()))
}

func TestInitializeIsIdempotent(t *testing.T) {
	sched, _ := newTestScheduler(t)

	_, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "work", ScheduleOptions{Delay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, sched.Initialize())
	require.NoError(t, sched.Initialize())

	stats, err := sched.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)
}

func TestEnsureTaskReusesExistingRow(t *testing.T) {
	sched, db := newTestScheduler(t)

	tasks := store.NewTaskStore(db)
	require.NoError(t, tasks.CreateTask(&store.Task{
		ID:     "task-1",
		Name:   "Log summarizer",
		Prompt: "old prompt",
	}))

	_, err := sched.ScheduleTask(context.Background(), "task-1", "agent-1", "new prompt", ScheduleOptions{})
	require.NoError(t, err)

	task, err := tasks.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "Log summarizer", task.Name)
	assert.Equal(t, "new prompt", task.Prompt)
}
