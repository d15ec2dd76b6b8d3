package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hqtest "github.com/halyardhq/halyard/internal/testing"
)

func TestExecutionLifecycle(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	execs := NewExecutionStore(db)

	rec := &ExecutionRecord{
		ID:      "EX_lifecycle",
		TaskID:  "task-1",
		AgentID: "agent-1",
	}
	require.NoError(t, execs.CreateExecution(rec))

	got, err := execs.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusQueued, got.Status)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, execs.MarkRunning(rec.ID, time.Now()))
	got, err = execs.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, execs.MarkCompleted(rec.ID, "all done", 1234, 42))
	got, err = execs.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, got.Status)
	assert.Equal(t, "all done", got.Output)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, 1234, *got.DurationMs)
	require.NotNil(t, got.TokensUsed)
	assert.Equal(t, 42, *got.TokensUsed)
	require.NotNil(t, got.CompletedAt)
}

func TestExecutionTerminalIsImmutable(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	execs := NewExecutionStore(db)

	rec := &ExecutionRecord{ID: "EX_term", TaskID: "task-1"}
	require.NoError(t, execs.CreateExecution(rec))
	require.NoError(t, execs.MarkRunning(rec.ID, time.Now()))
	require.NoError(t, execs.MarkCompleted(rec.ID, "ok", 10, 1))

	// A late failure report must not overwrite the terminal state.
	require.NoError(t, execs.MarkFailed(rec.ID, "late error", "", 20))

	got, err := execs.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, got.Status)
	assert.Empty(t, got.Error)
	assert.Equal(t, "ok", got.Output)
}

func TestMarkFailedKeepsPartialOutput(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	execs := NewExecutionStore(db)

	rec := &ExecutionRecord{ID: "EX_fail", TaskID: "task-1"}
	require.NoError(t, execs.CreateExecution(rec))
	require.NoError(t, execs.MarkRunning(rec.ID, time.Now()))
	require.NoError(t, execs.MarkFailed(rec.ID, "remote blew up", "partial chunk", 55))

	got, err := execs.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, got.Status)
	assert.Equal(t, "remote blew up", got.Error)
	assert.Equal(t, "partial chunk", got.Output)
	require.NotNil(t, got.CompletedAt)
}

func TestResetForRetry(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	execs := NewExecutionStore(db)

	rec := &ExecutionRecord{ID: "EX_retry", TaskID: "task-1"}
	require.NoError(t, execs.CreateExecution(rec))
	require.NoError(t, execs.MarkRunning(rec.ID, time.Now()))
	require.NoError(t, execs.MarkFailed(rec.ID, "transient", "", 5))

	require.NoError(t, execs.ResetForRetry(rec.ID))
	got, err := execs.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusQueued, got.Status)
	assert.Empty(t, got.Error)
	assert.Nil(t, got.CompletedAt)

	// Completed records never reset.
	require.NoError(t, execs.MarkRunning(rec.ID, time.Now()))
	require.NoError(t, execs.MarkCompleted(rec.ID, "done", 1, 1))
	require.NoError(t, execs.ResetForRetry(rec.ID))
	got, err = execs.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, got.Status)
}

func TestCancelActiveByTask(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	execs := NewExecutionStore(db)

	queued := &ExecutionRecord{ID: "EX_q", TaskID: "task-9"}
	running := &ExecutionRecord{ID: "EX_r", TaskID: "task-9"}
	done := &ExecutionRecord{ID: "EX_d", TaskID: "task-9"}
	require.NoError(t, execs.CreateExecution(queued))
	require.NoError(t, execs.CreateExecution(running))
	require.NoError(t, execs.CreateExecution(done))
	require.NoError(t, execs.MarkRunning(running.ID, time.Now()))
	require.NoError(t, execs.MarkRunning(done.ID, time.Now()))
	require.NoError(t, execs.MarkCompleted(done.ID, "finished", 1, 1))

	n, err := execs.CancelActiveByTask("task-9")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{queued.ID, running.ID} {
		got, err := execs.GetExecution(id)
		require.NoError(t, err)
		assert.Equal(t, ExecutionStatusCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.Empty(t, got.Error, "cancelled records carry no error")
	}

	got, err := execs.GetExecution(done.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, got.Status)
}

func TestListByTask(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	execs := NewExecutionStore(db)

	for _, id := range []string{"EX_1", "EX_2", "EX_3"} {
		require.NoError(t, execs.CreateExecution(&ExecutionRecord{ID: id, TaskID: "task-list"}))
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}

	recs, err := execs.ListByTask("task-list", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "EX_3", recs[0].ID)
}
