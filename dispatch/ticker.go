package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/halyardhq/halyard/errors"
	"github.com/halyardhq/halyard/logger"
	"github.com/halyardhq/halyard/store"
)

// Ticker fires recurring tasks. Each tick scans for recurring jobs whose
// run_at has passed, enqueues a one-shot child job for the occurrence, and
// advances the parent to the cron schedule's next firing.
type Ticker struct {
	queue   *Queue
	tasks   *store.TaskStore
	records *store.ExecutionStore

	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// TickerConfig contains configuration for the recurrence ticker
type TickerConfig struct {
	Interval time.Duration // How often to check for due recurring jobs (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// NewTicker creates a recurrence ticker with a parent context.
func NewTicker(ctx context.Context, queue *Queue, db *sql.DB, cfg TickerConfig) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		queue:    queue,
		tasks:    store.NewTaskStore(db),
		records:  store.NewExecutionStore(db),
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		logger:   logger.Named("dispatch.ticker"),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Recurrence ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Recurrence ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			t.mu.Unlock()

			if err := t.Tick(tickTime); err != nil {
				t.logger.Warnw("Recurrence tick error", "error", err, "tick", t.ticksSinceStart)
			}
		}
	}
}

// Tick fires every recurring job due at now. Exported so tests and restart
// recovery can drive occurrences without waiting on the wall clock.
func (t *Ticker) Tick(now time.Time) error {
	due, err := t.queue.Store().DueRecurring(now)
	if err != nil {
		return errors.Wrap(err, "failed to list due recurring jobs")
	}

	for _, parent := range due {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		if err := t.fire(parent, now); err != nil {
			t.logger.Errorw("Failed to fire recurring job",
				"job_id", parent.ID,
				"task_id", parent.TaskID,
				"error", err)
			// Continue with other jobs even if one fails
			continue
		}
	}
	return nil
}

// fire materializes one occurrence of a recurring job: a fresh execution
// record, a one-shot child job carrying it, and the parent advanced to the
// next cron firing.
func (t *Ticker) fire(parent *Job, now time.Time) error {
	schedule, err := cron.ParseStandard(parent.CronExpression)
	if err != nil {
		// A recurring job with an unparseable expression can never fire
		// again; fail it so it stops churning every tick.
		t.logger.Errorw("Recurring job has invalid cron expression, failing it",
			"job_id", parent.ID,
			"cron", parent.CronExpression)
		return t.queue.Store().MarkFailed(parent.ID, "invalid cron expression: "+parent.CronExpression)
	}

	execID := uuid.NewString()
	record := &store.ExecutionRecord{
		ID:      execID,
		TaskID:  parent.TaskID,
		AgentID: parent.AgentID,
		Status:  store.ExecutionStatusQueued,
	}
	if err := t.records.CreateExecution(record); err != nil {
		return errors.Wrap(err, "failed to create execution record for occurrence")
	}

	child := &Job{
		ID:          TaskJobID(parent.TaskID, execID),
		TaskID:      parent.TaskID,
		ExecutionID: execID,
		AgentID:     parent.AgentID,
		Prompt:      parent.Prompt,
		Priority:    parent.Priority,
		MaxAttempts: parent.MaxAttempts,
	}
	if _, err := t.queue.Enqueue(child); err != nil {
		return errors.Wrap(err, "failed to enqueue occurrence job")
	}

	next := schedule.Next(now)
	if err := t.queue.Store().AdvanceRunAt(parent.ID, next); err != nil {
		return errors.Wrap(err, "failed to advance recurring job")
	}
	if err := t.tasks.SetNextRunAt(parent.TaskID, next); err != nil {
		t.logger.Warnw("Failed to update task next run time",
			"task_id", parent.TaskID, "error", err.Error())
	}

	t.logger.Infow("Fired recurring job",
		"task_id", parent.TaskID,
		"execution_id", execID,
		"next_run_at", next.Format(time.RFC3339))
	return nil
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
