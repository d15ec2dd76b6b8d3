// Package dispatch is the durable job scheduler: a SQLite-backed queue of
// execution jobs, a worker pool that drives the relay layer, a per-second
// ticker for delayed and recurring work, and restart recovery.
package dispatch

import (
	"fmt"
	"time"
)

// JobStatus represents the current state of a dispatch job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is one durable unit of dispatch work. One-shot jobs carry the
// execution record they drive; recurring jobs carry a cron expression and
// spawn a one-shot child per firing.
type Job struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	ExecutionID    string     `json:"execution_id,omitempty"`
	AgentID        string     `json:"agent_id,omitempty"`
	Prompt         string     `json:"prompt"`
	Priority       int        `json:"priority"`
	RunAt          *time.Time `json:"run_at,omitempty"`
	CronExpression string     `json:"cron_expression,omitempty"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskJobID is the deterministic id of a one-shot job. Determinism makes
// restart re-enqueue idempotent: INSERT OR IGNORE on the same key.
func TaskJobID(taskID, executionID string) string {
	return fmt.Sprintf("task-%s-%s", taskID, executionID)
}

// RecurringJobID is the deterministic id of a task's recurring job. One
// recurring job exists per task at most.
func RecurringJobID(taskID string) string {
	return fmt.Sprintf("recurring-%s", taskID)
}

// IsRecurring reports whether the job fires on a cron schedule.
func (j *Job) IsRecurring() bool {
	return j.CronExpression != ""
}

// Due reports whether the job is ready to run at the given time.
func (j *Job) Due(now time.Time) bool {
	return j.RunAt == nil || !j.RunAt.After(now)
}
