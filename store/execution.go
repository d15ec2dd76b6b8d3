package store

import (
	"database/sql"
	"time"

	"github.com/halyardhq/halyard/errors"
)

// ExecutionStatus represents the lifecycle state of an execution record
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "QUEUED"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final. Terminal records are
// immutable: the store refuses transitions out of a terminal state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionRecord tracks exactly one execution attempt of a prompt against
// an agent.
type ExecutionRecord struct {
	ID          string
	TaskID      string
	AgentID     string
	Status      ExecutionStatus
	Output      string
	Error       string
	DurationMs  *int
	TokensUsed  *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionStore handles persistence of execution records
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates an execution record store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// CreateExecution inserts a new execution record (normally status QUEUED)
func (s *ExecutionStore) CreateExecution(rec *ExecutionRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = ExecutionStatusQueued
	}

	query := `
		INSERT INTO execution_records (
			id, task_id, agent_id, status, output, error,
			duration_ms, tokens_used, started_at, completed_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		rec.ID,
		rec.TaskID,
		nullString(rec.AgentID),
		rec.Status,
		nullString(rec.Output),
		nullString(rec.Error),
		nullInt(rec.DurationMs),
		nullInt(rec.TokensUsed),
		nullTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create execution record")
		err = errors.WithDetailf(err, "Execution ID: %s", rec.ID)
		err = errors.WithDetailf(err, "Task ID: %s", rec.TaskID)
		return err
	}
	return nil
}

const executionColumns = `id, task_id, agent_id, status, output, error,
	duration_ms, tokens_used, started_at, completed_at, created_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var agentID, output, errMsg sql.NullString
	var durationMs, tokensUsed sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.TaskID,
		&agentID,
		&rec.Status,
		&output,
		&errMsg,
		&durationMs,
		&tokensUsed,
		&startedAt,
		&completedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.AgentID = agentID.String
	rec.Output = output.String
	rec.Error = errMsg.String
	rec.DurationMs = intPtr(durationMs)
	rec.TokensUsed = intPtr(tokensUsed)
	rec.StartedAt = timePtr(startedAt)
	rec.CompletedAt = timePtr(completedAt)
	return &rec, nil
}

// GetExecution retrieves an execution record by ID
func (s *ExecutionStore) GetExecution(id string) (*ExecutionRecord, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM execution_records WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf("execution record not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution record")
	}
	return rec, nil
}

// MarkRunning transitions a QUEUED record to RUNNING.
// A record already past QUEUED is left untouched (terminal immutability).
func (s *ExecutionStore) MarkRunning(id string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE execution_records
		 SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		ExecutionStatusRunning, startedAt, time.Now(), id, ExecutionStatusQueued,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to mark execution running")
		err = errors.WithDetailf(err, "Execution ID: %s", id)
		return err
	}
	return nil
}

// MarkCompleted transitions a RUNNING record to COMPLETED with output and
// timing. No-op if the record is already terminal.
func (s *ExecutionStore) MarkCompleted(id, output string, durationMs, tokensUsed int) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE execution_records
		 SET status = ?, output = ?, duration_ms = ?, tokens_used = ?,
		     completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		ExecutionStatusCompleted, output, durationMs, tokensUsed,
		now, now, id, ExecutionStatusQueued, ExecutionStatusRunning,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to mark execution completed")
		err = errors.WithDetailf(err, "Execution ID: %s", id)
		return err
	}
	return nil
}

// MarkFailed transitions a non-terminal record to FAILED, preserving any
// partial output accumulated before the failure.
func (s *ExecutionStore) MarkFailed(id, errMsg, partialOutput string, durationMs int) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE execution_records
		 SET status = ?, error = ?, output = ?, duration_ms = ?,
		     completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		ExecutionStatusFailed, errMsg, nullString(partialOutput), durationMs,
		now, now, id, ExecutionStatusQueued, ExecutionStatusRunning,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to mark execution failed")
		err = errors.WithDetailf(err, "Execution ID: %s", id)
		return err
	}
	return nil
}

// ResetForRetry returns a FAILED or orphaned RUNNING record to QUEUED so the
// next queue attempt drives the same record through a fresh lifecycle.
// Completed and cancelled records are never reset.
func (s *ExecutionStore) ResetForRetry(id string) error {
	_, err := s.db.Exec(
		`UPDATE execution_records
		 SET status = ?, error = NULL, completed_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		ExecutionStatusQueued, time.Now(), id, ExecutionStatusFailed, ExecutionStatusRunning,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to reset execution for retry")
		err = errors.WithDetailf(err, "Execution ID: %s", id)
		return err
	}
	return nil
}

// CancelActiveByTask marks all QUEUED/RUNNING records of a task CANCELLED
// with a completion timestamp. Returns the number of records cancelled.
func (s *ExecutionStore) CancelActiveByTask(taskID string) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE execution_records
		 SET status = ?, completed_at = ?, updated_at = ?
		 WHERE task_id = ? AND status IN (?, ?)`,
		ExecutionStatusCancelled, now, now, taskID,
		ExecutionStatusQueued, ExecutionStatusRunning,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to cancel executions")
		err = errors.WithDetailf(err, "Task ID: %s", taskID)
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(affected), nil
}

// ListByTask returns all execution records for a task, newest first.
func (s *ExecutionStore) ListByTask(taskID string, limit int) ([]*ExecutionRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+executionColumns+` FROM execution_records
		 WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list execution records")
	}
	defer rows.Close()

	var recs []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution record")
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
