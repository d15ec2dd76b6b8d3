package dispatch

import (
	"database/sql"
	"time"

	"github.com/halyardhq/halyard/errors"
)

const jobColumns = `id, task_id, execution_id, agent_id, prompt, priority,
	run_at, cron_expression, status, attempts, max_attempts, error,
	started_at, completed_at, created_at, updated_at`

// Store persists dispatch jobs in the exec_jobs table.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a job. Deterministic IDs make this idempotent: inserting a
// job whose id already exists is a silent no-op (restart re-enqueue).
// Returns true when a new row was written.
func (s *Store) Create(job *Job) (bool, error) {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobStatusQueued
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO exec_jobs (
			id, task_id, execution_id, agent_id, prompt, priority,
			run_at, cron_expression, status, attempts, max_attempts, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TaskID, job.ExecutionID, job.AgentID, job.Prompt, job.Priority,
		nullJobTime(job.RunAt), nullJobString(job.CronExpression), job.Status,
		job.Attempts, job.MaxAttempts, nullJobString(job.Error),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return affected > 0, nil
}

// Get retrieves a job by id.
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM exec_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// DueOneShot returns queued one-shot jobs whose run time has arrived,
// highest priority first. Priority is a best-effort ordering hint, not a
// strict guarantee under concurrent claims.
func (s *Store) DueOneShot(now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM exec_jobs
		 WHERE status = ?
		   AND (cron_expression IS NULL OR cron_expression = '')
		   AND (run_at IS NULL OR run_at <= ?)
		 ORDER BY priority DESC, run_at ASC, created_at ASC
		 LIMIT ?`,
		JobStatusQueued, now, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DueRecurring returns queued recurring jobs whose next firing has arrived.
func (s *Store) DueRecurring(now time.Time) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM exec_jobs
		 WHERE status = ?
		   AND cron_expression IS NOT NULL AND cron_expression != ''
		   AND run_at <= ?
		 ORDER BY run_at ASC`,
		JobStatusQueued, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due recurring jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Claim transitions a queued job to running and counts the attempt. The
// WHERE status guard makes delivery single-consumer: exactly one concurrent
// claimer wins. Returns false when another worker got there first.
func (s *Store) Claim(id string, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE exec_jobs
		 SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobStatusRunning, now, now, id, JobStatusQueued,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to claim job")
		err = errors.WithDetailf(err, "Job ID: %s", id)
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return affected > 0, nil
}

// MarkCompleted finishes a running job.
func (s *Store) MarkCompleted(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE exec_jobs
		 SET status = ?, error = NULL, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobStatusCompleted, now, now, id, JobStatusRunning,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to complete job")
		err = errors.WithDetailf(err, "Job ID: %s", id)
		return err
	}
	return nil
}

// MarkFailed terminally fails a job.
func (s *Store) MarkFailed(id, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE exec_jobs
		 SET status = ?, error = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		JobStatusFailed, errMsg, now, now, id, JobStatusRunning, JobStatusQueued,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to fail job")
		err = errors.WithDetailf(err, "Job ID: %s", id)
		return err
	}
	return nil
}

// Requeue returns a running job to the queue for a later attempt, recording
// the error that caused it and when the retry becomes due.
func (s *Store) Requeue(id, errMsg string, runAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE exec_jobs
		 SET status = ?, error = ?, run_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobStatusQueued, errMsg, runAt, time.Now(), id, JobStatusRunning,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to requeue job")
		err = errors.WithDetailf(err, "Job ID: %s", id)
		return err
	}
	return nil
}

// AdvanceRunAt moves a recurring job's next firing time forward.
func (s *Store) AdvanceRunAt(id string, next time.Time) error {
	_, err := s.db.Exec(
		`UPDATE exec_jobs SET run_at = ?, updated_at = ? WHERE id = ?`,
		next, time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to advance recurring job")
		err = errors.WithDetailf(err, "Job ID: %s", id)
		return err
	}
	return nil
}

// DeleteWaiting removes a task's queued jobs (waiting, delayed and
// recurring). Running jobs are untouched. Returns the number removed.
func (s *Store) DeleteWaiting(taskID string) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM exec_jobs WHERE task_id = ? AND status = ?`,
		taskID, JobStatusQueued,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to delete waiting jobs")
		err = errors.WithDetailf(err, "Task ID: %s", taskID)
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(affected), nil
}

// CancelRunning marks a task's running jobs cancelled. The in-flight worker
// finishes its attempt; cancellation is cooperative.
func (s *Store) CancelRunning(taskID string) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE exec_jobs
		 SET status = ?, completed_at = ?, updated_at = ?
		 WHERE task_id = ? AND status = ?`,
		JobStatusCancelled, now, now, taskID, JobStatusRunning,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to cancel running jobs")
		err = errors.WithDetailf(err, "Task ID: %s", taskID)
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(affected), nil
}

// CountWaiting returns how many queued jobs a task currently has.
func (s *Store) CountWaiting(taskID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM exec_jobs WHERE task_id = ? AND status = ?`,
		taskID, JobStatusQueued,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count waiting jobs")
	}
	return count, nil
}

// ListRunning returns jobs stuck in running state (orphans after a crash).
func (s *Store) ListRunning(limit int) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM exec_jobs
		 WHERE status = ? ORDER BY started_at ASC LIMIT ?`,
		JobStatusRunning, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// QueueStats is a point-in-time census of the queue.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats counts jobs by state. Delayed means queued with a future run time
// (recurring jobs between firings count as delayed).
func (s *Store) Stats(now time.Time) (*QueueStats, error) {
	stats := &QueueStats{}

	err := s.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN status = ? AND (run_at IS NULL OR run_at <= ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? AND run_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM exec_jobs`,
		JobStatusQueued, now,
		JobStatusQueued, now,
		JobStatusRunning,
		JobStatusCompleted,
		JobStatusFailed,
	).Scan(&stats.Waiting, &stats.Delayed, &stats.Active, &stats.Completed, &stats.Failed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute queue stats")
	}
	return stats, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var job Job
	var runAt, startedAt, completedAt sql.NullTime
	var cronExpr, errMsg sql.NullString

	err := row.Scan(
		&job.ID, &job.TaskID, &job.ExecutionID, &job.AgentID, &job.Prompt,
		&job.Priority, &runAt, &cronExpr, &job.Status, &job.Attempts,
		&job.MaxAttempts, &errMsg, &startedAt, &completedAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.CronExpression = cronExpr.String
	job.Error = errMsg.String
	job.RunAt = jobTimePtr(runAt)
	job.StartedAt = jobTimePtr(startedAt)
	job.CompletedAt = jobTimePtr(completedAt)
	return &job, nil
}

func nullJobString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJobTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func jobTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
