// Package store persists orchestration rows: remote server configurations,
// agents, tasks and execution records.
package store

import (
	"database/sql"
	"time"

	"github.com/halyardhq/halyard/errors"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusScheduled TaskStatus = "SCHEDULED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Task is a unit of promptable work owned by the orchestration backend.
// Scheduling metadata (cron expression, scheduled_at, next_run_at) is
// maintained by the dispatch layer.
type Task struct {
	ID             string
	Name           string
	Prompt         string
	AgentID        string
	Status         TaskStatus
	CronExpression string
	ScheduledAt    *time.Time
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	RunCount       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskStore handles persistence of tasks
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task store
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// CreateTask inserts a new task
func (s *TaskStore) CreateTask(task *Task) error {
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskStatusPending
	}

	query := `
		INSERT INTO tasks (
			id, name, prompt, agent_id, status,
			cron_expression, scheduled_at, next_run_at, last_run_at,
			run_count, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		task.ID,
		task.Name,
		task.Prompt,
		nullString(task.AgentID),
		task.Status,
		nullString(task.CronExpression),
		nullTime(task.ScheduledAt),
		nullTime(task.NextRunAt),
		nullTime(task.LastRunAt),
		task.RunCount,
		nullString(task.LastError),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create task")
		err = errors.WithDetailf(err, "Task ID: %s", task.ID)
		return err
	}
	return nil
}

const taskColumns = `id, name, prompt, agent_id, status,
	cron_expression, scheduled_at, next_run_at, last_run_at,
	run_count, last_error, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var task Task
	var agentID, cronExpr, lastError sql.NullString
	var scheduledAt, nextRunAt, lastRunAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Prompt,
		&agentID,
		&task.Status,
		&cronExpr,
		&scheduledAt,
		&nextRunAt,
		&lastRunAt,
		&task.RunCount,
		&lastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.AgentID = agentID.String
	task.CronExpression = cronExpr.String
	task.LastError = lastError.String
	task.ScheduledAt = timePtr(scheduledAt)
	task.NextRunAt = timePtr(nextRunAt)
	task.LastRunAt = timePtr(lastRunAt)
	return &task, nil
}

// GetTask retrieves a task by ID
func (s *TaskStore) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrConfigurationNotFound, "task not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	return task, nil
}

// UpdateTask updates all mutable task fields
func (s *TaskStore) UpdateTask(task *Task) error {
	task.UpdatedAt = time.Now()

	query := `
		UPDATE tasks
		SET name = ?, prompt = ?, agent_id = ?, status = ?,
		    cron_expression = ?, scheduled_at = ?, next_run_at = ?, last_run_at = ?,
		    run_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(query,
		task.Name,
		task.Prompt,
		nullString(task.AgentID),
		task.Status,
		nullString(task.CronExpression),
		nullTime(task.ScheduledAt),
		nullTime(task.NextRunAt),
		nullTime(task.LastRunAt),
		task.RunCount,
		nullString(task.LastError),
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update task")
		err = errors.WithDetailf(err, "Task ID: %s", task.ID)
		return err
	}
	return nil
}

// SetTaskStatus updates only the task status
func (s *TaskStore) SetTaskStatus(id string, status TaskStatus) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id,
	)
	if err != nil {
		err = errors.Wrapf(err, "failed to set task status to %s", status)
		err = errors.WithDetailf(err, "Task ID: %s", id)
		return err
	}
	return nil
}

// SetNextRunAt updates only the task's next firing time.
func (s *TaskStore) SetNextRunAt(id string, nextRunAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		nextRunAt, time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to set task next run time")
		err = errors.WithDetailf(err, "Task ID: %s", id)
		return err
	}
	return nil
}

// RecordTaskRun marks the outcome of a completed task attempt: new status,
// last run time, incremented run count and the last error (empty on success).
func (s *TaskStore) RecordTaskRun(id string, status TaskStatus, lastError string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks
		 SET status = ?, last_run_at = ?, run_count = run_count + 1,
		     last_error = ?, updated_at = ?
		 WHERE id = ?`,
		status, now, nullString(lastError), now, id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to record task run")
		err = errors.WithDetailf(err, "Task ID: %s", id)
		return err
	}
	return nil
}

// RecordTaskFailure marks a failed attempt: status FAILED with the error and
// last run time. The run count only moves on success.
func (s *TaskStore) RecordTaskFailure(id, lastError string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE tasks
		 SET status = ?, last_run_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		TaskStatusFailed, now, nullString(lastError), now, id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to record task failure")
		err = errors.WithDetailf(err, "Task ID: %s", id)
		return err
	}
	return nil
}

// ListRestorable returns tasks that survive a restart: SCHEDULED or QUEUED
// tasks carrying either a future schedule or a cron expression.
func (s *TaskStore) ListRestorable() ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (?, ?)
		   AND (scheduled_at IS NOT NULL OR cron_expression IS NOT NULL)
		 ORDER BY created_at ASC`,
		TaskStatusScheduled, TaskStatusQueued,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list restorable tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
