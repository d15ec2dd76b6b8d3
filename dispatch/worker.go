package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halyardhq/halyard/broadcast"
	"github.com/halyardhq/halyard/errors"
	"github.com/halyardhq/halyard/logger"
	"github.com/halyardhq/halyard/relay"
	"github.com/halyardhq/halyard/store"
	"github.com/halyardhq/halyard/wire"
)

// Executor runs one prompt against a remote server. relay.Facade satisfies
// this; tests substitute their own.
type Executor interface {
	ExecutePrompt(ctx context.Context, params relay.ExecuteParams, cb *relay.Callbacks) (*wire.ExecutionResult, error)
}

// ExecutorResolver finds the executor for a server.
type ExecutorResolver interface {
	ResolveExecutor(ctx context.Context, serverID string) (Executor, error)
}

// RegistryResolver adapts the relay registry to ExecutorResolver.
type RegistryResolver struct {
	registry *relay.Registry
}

// NewRegistryResolver wraps a relay registry.
func NewRegistryResolver(registry *relay.Registry) *RegistryResolver {
	return &RegistryResolver{registry: registry}
}

// ResolveExecutor returns the initialized facade for serverID.
func (r *RegistryResolver) ResolveExecutor(ctx context.Context, serverID string) (Executor, error) {
	return r.registry.Resolve(ctx, serverID)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often to check for due jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: 5 * time.Second,
	}
}

// WorkerPool manages a pool of workers that drain the dispatch queue and
// drive executions through the relay layer.
type WorkerPool struct {
	queue    *Queue
	tasks    *store.TaskStore
	agents   *store.AgentStore
	records  *store.ExecutionStore
	resolver ExecutorResolver
	limiter  *Limiter
	events   broadcast.Broadcaster

	poolConfig WorkerPoolConfig
	workers    int

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu            sync.Mutex
	activeWorkers int

	logger *zap.SugaredLogger
}

// NewWorkerPool creates a worker pool over an existing queue. The parent
// context bounds the pool's lifetime: cancelling it stops all workers.
func NewWorkerPool(ctx context.Context, queue *Queue, db *sql.DB, resolver ExecutorResolver, limiter *Limiter, events broadcast.Broadcaster, poolCfg WorkerPoolConfig) *WorkerPool {
	if poolCfg.Workers < 1 {
		poolCfg.Workers = DefaultWorkerPoolConfig().Workers
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if events == nil {
		events = broadcast.Nop{}
	}
	if limiter == nil {
		limiter = NewLimiter(0, 0)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:      queue,
		tasks:      store.NewTaskStore(db),
		agents:     store.NewAgentStore(db),
		records:    store.NewExecutionStore(db),
		resolver:   resolver,
		limiter:    limiter,
		events:     events,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     logger.Named("dispatch.worker"),
	}
}

// Start begins processing jobs with the worker pool.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// A restarted pool needs a fresh context after a previous Stop().
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	wp.mu.Unlock()

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Infow("Worker pool started", "workers", wp.workers, "poll_interval", wp.poolConfig.PollInterval)
}

// Stop gracefully stops the worker pool. Waits up to 30 seconds for in-flight
// executions before returning; stragglers finish in the background.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped, all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Warnw("Worker pool stop timed out, workers may still be finishing", "timeout", timeout)
	}
}

// worker polls for due jobs, with exponential backoff after repeated errors.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextJob(); err != nil {
				select {
				case <-wp.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// Database closed during shutdown
					return
				}

				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					time.Sleep(backoffDuration)
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
			} else {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
			}
		}
	}
}

// processNextJob claims the next due job and runs it to a terminal state.
func (wp *WorkerPool) processNextJob() error {
	select {
	case <-wp.ctx.Done():
		return nil
	default:
	}

	// Gate on the dispatch rate before claiming so a throttled tick leaves
	// the job queued for another worker.
	if !wp.limiter.Allow() {
		return nil
	}

	job, err := wp.queue.Dequeue(time.Now())
	if err != nil {
		return errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	return wp.execute(job)
}

// execute drives one claimed job through the relay and records the outcome.
func (wp *WorkerPool) execute(job *Job) error {
	agent, err := wp.agents.GetAgent(job.AgentID)
	if err != nil {
		if errors.Is(err, errors.ErrAgentNotAvailable) {
			// Permanent: the agent this job names does not exist.
			return wp.finishFailure(job, "", 0, err, false)
		}
		// Transient store failure: put the claimed job back rather than
		// stranding it in running until the next restart recovery.
		return errors.CombineErrors(err, wp.requeueInterrupted(job))
	}

	started := time.Now()
	if err := wp.records.MarkRunning(job.ExecutionID, started); err != nil {
		return errors.CombineErrors(err, wp.requeueInterrupted(job))
	}
	wp.events.Publish(broadcast.Event{
		Type:        broadcast.EventExecutionStarted,
		ServerID:    agent.ServerID,
		AgentID:     agent.ID,
		ExecutionID: job.ExecutionID,
	})

	executor, err := wp.resolver.ResolveExecutor(wp.ctx, agent.ServerID)
	if err != nil {
		return wp.finishFailure(job, "", wp.elapsedMs(started), err, errors.IsRetryable(err))
	}

	var outputMu sync.Mutex
	var output strings.Builder
	cb := &relay.Callbacks{
		OnOutput: func(executionID, content string) {
			outputMu.Lock()
			output.WriteString(content)
			outputMu.Unlock()
			wp.events.Publish(broadcast.Event{
				Type:        broadcast.EventExecutionOutput,
				ServerID:    agent.ServerID,
				AgentID:     agent.ID,
				ExecutionID: executionID,
				Payload:     content,
			})
		},
		OnToolCall: func(executionID, tool string, _ json.RawMessage) {
			wp.events.Publish(broadcast.Event{
				Type:        broadcast.EventExecutionToolCall,
				ServerID:    agent.ServerID,
				AgentID:     agent.ID,
				ExecutionID: executionID,
				Payload:     tool,
			})
		},
		OnFileChange: func(executionID, path, kind string) {
			wp.events.Publish(broadcast.Event{
				Type:        broadcast.EventExecutionFile,
				ServerID:    agent.ServerID,
				AgentID:     agent.ID,
				ExecutionID: executionID,
				Payload:     kind + " " + path,
			})
		},
	}

	params := relay.ExecuteParams{
		ExecutionID: job.ExecutionID,
		AgentID:     job.AgentID,
		Prompt:      job.Prompt,
	}
	result, execErr := executor.ExecutePrompt(wp.ctx, params, cb)

	outputMu.Lock()
	partial := output.String()
	outputMu.Unlock()

	if execErr != nil {
		select {
		case <-wp.ctx.Done():
			// Shutdown mid-execution: put the job and its record back so a
			// restarted pool runs it again.
			return wp.requeueInterrupted(job)
		default:
		}
		return wp.finishFailure(job, partial, wp.elapsedMs(started), execErr, errors.IsRetryable(execErr))
	}

	if !result.Success {
		remoteErr := errors.Newf("remote execution failed: %s", result.Error)
		return wp.finishFailure(job, partial, wp.elapsedMs(started), remoteErr, true)
	}

	finalOutput := result.Output
	if finalOutput == "" {
		finalOutput = partial
	}
	if err := wp.records.MarkCompleted(job.ExecutionID, finalOutput, wp.elapsedMs(started), result.TokensUsed); err != nil {
		return err
	}
	if err := wp.recordTaskSuccess(job.TaskID); err != nil {
		wp.logger.Warnw("Failed to record task run", "task_id", job.TaskID, "error", err.Error())
	}
	if err := wp.queue.Complete(job.ID); err != nil {
		return err
	}

	wp.events.Publish(broadcast.Event{
		Type:        broadcast.EventExecutionCompleted,
		ServerID:    agent.ServerID,
		AgentID:     agent.ID,
		ExecutionID: job.ExecutionID,
		Payload:     finalOutput,
	})
	return nil
}

// recordTaskSuccess bumps the task's run bookkeeping. Recurring tasks return
// to SCHEDULED so they read as armed rather than finished.
func (wp *WorkerPool) recordTaskSuccess(taskID string) error {
	task, err := wp.tasks.GetTask(taskID)
	if err != nil {
		return err
	}
	status := store.TaskStatusCompleted
	if task.CronExpression != "" {
		status = store.TaskStatusScheduled
	}
	return wp.tasks.RecordTaskRun(taskID, status, "")
}

// finishFailure records a failed attempt and either requeues the job for
// retry or fails it terminally.
func (wp *WorkerPool) finishFailure(job *Job, partialOutput string, durationMs int, cause error, retryable bool) error {
	msg := cause.Error()

	if job.ExecutionID != "" {
		if err := wp.records.MarkFailed(job.ExecutionID, msg, partialOutput, durationMs); err != nil {
			wp.logger.Warnw("Failed to mark execution failed",
				"execution_id", job.ExecutionID, "error", err.Error())
		}
	}

	retried, err := wp.queue.Fail(job, msg, retryable)
	if err != nil {
		return err
	}
	if retried {
		// The retry reuses the same execution record.
		if job.ExecutionID != "" {
			if err := wp.records.ResetForRetry(job.ExecutionID); err != nil {
				wp.logger.Warnw("Failed to reset execution for retry",
					"execution_id", job.ExecutionID, "error", err.Error())
			}
		}
		return nil
	}

	if err := wp.tasks.RecordTaskFailure(job.TaskID, msg); err != nil {
		wp.logger.Warnw("Failed to record task failure", "task_id", job.TaskID, "error", err.Error())
	}
	wp.events.Publish(broadcast.Event{
		Type:        broadcast.EventExecutionFailed,
		AgentID:     job.AgentID,
		ExecutionID: job.ExecutionID,
		Payload:     msg,
	})
	return nil
}

// requeueInterrupted returns a shutdown-interrupted job and its execution
// record to the queue without burning a retry attempt's backoff.
func (wp *WorkerPool) requeueInterrupted(job *Job) error {
	if err := wp.queue.Store().Requeue(job.ID, "", time.Now()); err != nil {
		return err
	}
	if job.ExecutionID != "" {
		if err := wp.records.ResetForRetry(job.ExecutionID); err != nil {
			wp.logger.Warnw("Failed to reset interrupted execution",
				"execution_id", job.ExecutionID, "error", err.Error())
		}
	}
	wp.logger.Infow("Requeued job after interrupted attempt", "job_id", job.ID)
	return nil
}

func (wp *WorkerPool) elapsedMs(started time.Time) int {
	return int(time.Since(started).Milliseconds())
}

// Queue returns the job queue (useful for enqueuing jobs)
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}
