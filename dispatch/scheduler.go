package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/halyardhq/halyard/broadcast"
	"github.com/halyardhq/halyard/config"
	"github.com/halyardhq/halyard/errors"
	"github.com/halyardhq/halyard/logger"
	"github.com/halyardhq/halyard/store"
)

// maxOrphanedJobsToRecover limits how many orphaned jobs startup recovery
// will requeue, to avoid stampeding the relay after a crash.
const maxOrphanedJobsToRecover = 1000

// ScheduleOptions controls when a one-shot execution runs.
type ScheduleOptions struct {
	// Delay postpones the execution relative to now. Zero runs immediately.
	// An explicit Delay takes precedence over ScheduledAt.
	Delay time.Duration
	// ScheduledAt pins an absolute run time. A time already in the past
	// runs immediately.
	ScheduledAt *time.Time
	// Priority orders competing due jobs; higher dispatches first.
	Priority int
}

// Scheduler is the top of the dispatch layer: it persists tasks, enqueues
// their jobs, and owns the worker pool and recurrence ticker lifecycles.
type Scheduler struct {
	db      *sql.DB
	cfg     config.SchedulerConfig
	queue   *Queue
	pool    *WorkerPool
	ticker  *Ticker
	tasks   *store.TaskStore
	records *store.ExecutionStore
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	initialized bool
	started     bool
}

// NewScheduler wires a scheduler from configuration. The resolver connects
// claimed jobs to their per-server execution facades.
func NewScheduler(ctx context.Context, db *sql.DB, resolver ExecutorResolver, events broadcast.Broadcaster, cfg config.SchedulerConfig) *Scheduler {
	retry := RetryPolicy{
		BaseDelay: time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = time.Second
	}

	queue := NewQueue(db, retry)
	limiter := NewLimiter(cfg.DispatchRatePerSecond, cfg.DispatchBurst)
	pool := NewWorkerPool(ctx, queue, db, resolver, limiter, events, WorkerPoolConfig{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval(),
	})
	ticker := NewTicker(ctx, queue, db, TickerConfig{Interval: cfg.TickerInterval()})

	return &Scheduler{
		db:      db,
		cfg:     cfg,
		queue:   queue,
		pool:    pool,
		ticker:  ticker,
		tasks:   store.NewTaskStore(db),
		records: store.NewExecutionStore(db),
		logger:  logger.Named("dispatch.scheduler"),
	}
}

// Initialize recovers state left by a previous process: orphaned running
// jobs go back to the queue and surviving scheduled tasks get their job
// rows rebuilt. Idempotent; safe to call before every Start.
func (s *Scheduler) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	orphans, err := s.queue.RecoverOrphans(maxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to recover orphaned jobs")
	}
	for _, job := range orphans {
		if job.ExecutionID == "" {
			continue
		}
		if err := s.records.ResetForRetry(job.ExecutionID); err != nil {
			s.logger.Warnw("Failed to reset orphaned execution",
				"execution_id", job.ExecutionID, "error", err.Error())
		}
	}

	restored, err := s.restoreTasks()
	if err != nil {
		return errors.Wrap(err, "failed to restore scheduled tasks")
	}

	s.initialized = true
	s.logger.Infow("Scheduler initialized",
		"orphans_recovered", len(orphans),
		"tasks_restored", restored)
	return nil
}

// restoreTasks rebuilds job rows for tasks that should survive a restart.
// Job ids are deterministic, so re-enqueueing an intact row is a no-op.
func (s *Scheduler) restoreTasks() (int, error) {
	tasks, err := s.tasks.ListRestorable()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, task := range tasks {
		var rebuilt bool
		var err error
		if task.CronExpression != "" {
			rebuilt, err = s.restoreRecurring(task)
		} else {
			rebuilt, err = s.restoreOneShot(task)
		}
		if err != nil {
			s.logger.Warnw("Failed to restore task",
				"task_id", task.ID, "error", err.Error())
			continue
		}
		if rebuilt {
			restored++
			s.logger.Infow("Restored scheduled task", "task_id", task.ID)
		}
	}
	return restored, nil
}

func (s *Scheduler) restoreRecurring(task *store.Task) (bool, error) {
	schedule, err := cron.ParseStandard(task.CronExpression)
	if err != nil {
		return false, err
	}

	next := schedule.Next(time.Now())
	if task.NextRunAt != nil && task.NextRunAt.After(time.Now()) {
		next = *task.NextRunAt
	}
	return s.queue.Enqueue(&Job{
		ID:             RecurringJobID(task.ID),
		TaskID:         task.ID,
		AgentID:        task.AgentID,
		Prompt:         task.Prompt,
		RunAt:          &next,
		CronExpression: task.CronExpression,
		MaxAttempts:    s.maxAttempts(),
	})
}

func (s *Scheduler) restoreOneShot(task *store.Task) (bool, error) {
	// The job row normally outlives a restart. Only rebuild when it is
	// genuinely gone.
	waiting, err := s.queue.Store().CountWaiting(task.ID)
	if err != nil {
		return false, err
	}
	if waiting > 0 {
		return false, nil
	}

	execID := uuid.NewString()
	inserted, err := s.queue.Enqueue(&Job{
		ID:          TaskJobID(task.ID, execID),
		TaskID:      task.ID,
		ExecutionID: execID,
		AgentID:     task.AgentID,
		Prompt:      task.Prompt,
		RunAt:       task.ScheduledAt,
		MaxAttempts: s.maxAttempts(),
	})
	if err != nil || !inserted {
		return false, err
	}

	err = s.records.CreateExecution(&store.ExecutionRecord{
		ID:      execID,
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Status:  store.ExecutionStatusQueued,
	})
	return true, err
}

// Start launches the worker pool and recurrence ticker, running Initialize
// first if nobody has.
func (s *Scheduler) Start() error {
	if err := s.Initialize(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.pool.Start()
	s.ticker.Start()
	s.started = true
	return nil
}

// Shutdown stops the ticker and drains the worker pool. Idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.ticker.Stop()
	s.pool.Stop()
	s.started = false
}

// ScheduleTask enqueues one execution of a task, immediately or at a future
// time. The task row is created if it does not exist yet. Returns the
// execution record the run will flow through.
func (s *Scheduler) ScheduleTask(ctx context.Context, taskID, agentID, prompt string, opts ScheduleOptions) (*store.ExecutionRecord, error) {
	task, err := s.ensureTask(taskID, agentID, prompt)
	if err != nil {
		return nil, err
	}

	// Explicit delay wins; an absolute time in the past means run now.
	now := time.Now()
	var runAt *time.Time
	switch {
	case opts.Delay > 0:
		at := now.Add(opts.Delay)
		runAt = &at
	case opts.ScheduledAt != nil && opts.ScheduledAt.After(now):
		runAt = opts.ScheduledAt
	}

	execID := uuid.NewString()
	record := &store.ExecutionRecord{
		ID:      execID,
		TaskID:  task.ID,
		AgentID: agentID,
		Status:  store.ExecutionStatusQueued,
	}
	if err := s.records.CreateExecution(record); err != nil {
		return nil, errors.Wrap(err, "failed to create execution record")
	}

	if _, err := s.queue.Enqueue(&Job{
		ID:          TaskJobID(task.ID, execID),
		TaskID:      task.ID,
		ExecutionID: execID,
		AgentID:     agentID,
		Prompt:      prompt,
		Priority:    opts.Priority,
		RunAt:       runAt,
		MaxAttempts: s.maxAttempts(),
	}); err != nil {
		return nil, errors.Wrap(err, "failed to enqueue job")
	}

	task.AgentID = agentID
	task.Prompt = prompt
	if runAt != nil {
		task.Status = store.TaskStatusScheduled
		task.ScheduledAt = runAt
		task.NextRunAt = runAt
	} else {
		task.Status = store.TaskStatusQueued
		task.ScheduledAt = nil
		task.NextRunAt = nil
	}
	if err := s.tasks.UpdateTask(task); err != nil {
		return nil, errors.Wrap(err, "failed to update task schedule")
	}

	s.logger.Infow("Task scheduled",
		"task_id", task.ID,
		"execution_id", execID,
		"run_at", runAt)
	return record, nil
}

// ScheduleRecurringTask arms a cron schedule for a task. Each firing
// enqueues a fresh one-shot execution; the recurring job itself never runs
// on a worker.
func (s *Scheduler) ScheduleRecurringTask(ctx context.Context, taskID, agentID, prompt, cronExpression string, priority int) (*store.Task, error) {
	schedule, err := cron.ParseStandard(cronExpression)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", cronExpression)
	}

	task, err := s.ensureTask(taskID, agentID, prompt)
	if err != nil {
		return nil, err
	}

	next := schedule.Next(time.Now())
	if _, err := s.queue.Enqueue(&Job{
		ID:             RecurringJobID(task.ID),
		TaskID:         task.ID,
		AgentID:        agentID,
		Prompt:         prompt,
		Priority:       priority,
		RunAt:          &next,
		CronExpression: cronExpression,
		MaxAttempts:    s.maxAttempts(),
	}); err != nil {
		return nil, errors.Wrap(err, "failed to enqueue recurring job")
	}

	task.AgentID = agentID
	task.Prompt = prompt
	task.Status = store.TaskStatusScheduled
	task.CronExpression = cronExpression
	task.NextRunAt = &next
	if err := s.tasks.UpdateTask(task); err != nil {
		return nil, errors.Wrap(err, "failed to update task schedule")
	}

	s.logger.Infow("Recurring task scheduled",
		"task_id", task.ID,
		"cron", cronExpression,
		"next_run_at", next.Format(time.RFC3339))
	return task, nil
}

// CancelTask removes the task's waiting and delayed jobs, cancels its active
// execution records, and marks the task CANCELLED. An execution already in
// flight on a worker finishes its attempt; cancellation never preempts it.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) (removed, cancelled int, err error) {
	if _, err := s.tasks.GetTask(taskID); err != nil {
		return 0, 0, err
	}

	removed, cancelled, err = s.queue.CancelTask(taskID)
	if err != nil {
		return removed, cancelled, errors.Wrap(err, "failed to cancel queued jobs")
	}
	if _, err := s.records.CancelActiveByTask(taskID); err != nil {
		return removed, cancelled, errors.Wrap(err, "failed to cancel execution records")
	}
	if err := s.tasks.SetTaskStatus(taskID, store.TaskStatusCancelled); err != nil {
		return removed, cancelled, err
	}

	s.logger.Infow("Task cancelled",
		"task_id", taskID,
		"jobs_removed", removed,
		"jobs_cancelled", cancelled)
	return removed, cancelled, nil
}

// Stats returns the live queue census.
func (s *Scheduler) Stats() (*QueueStats, error) {
	return s.queue.Stats(time.Now())
}

// Queue exposes the underlying queue.
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// Pool exposes the worker pool, mainly for metrics.
func (s *Scheduler) Pool() *WorkerPool {
	return s.pool
}

// Ticker exposes the recurrence ticker.
func (s *Scheduler) Ticker() *Ticker {
	return s.ticker
}

// ensureTask loads the task row, creating a minimal one when scheduling a
// task id for the first time.
func (s *Scheduler) ensureTask(taskID, agentID, prompt string) (*store.Task, error) {
	task, err := s.tasks.GetTask(taskID)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, errors.ErrConfigurationNotFound) {
		return nil, err
	}

	task = &store.Task{
		ID:      taskID,
		Name:    taskID,
		Prompt:  prompt,
		AgentID: agentID,
		Status:  store.TaskStatusPending,
	}
	if err := s.tasks.CreateTask(task); err != nil {
		return nil, errors.Wrap(err, "failed to create task")
	}
	return task, nil
}

func (s *Scheduler) maxAttempts() int {
	if s.cfg.MaxAttempts > 0 {
		return s.cfg.MaxAttempts
	}
	return 3
}
