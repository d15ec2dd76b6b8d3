package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrapPreservesIdentity(t *testing.T) {
	err := Wrap(ErrNotConnected, "execute rejected")
	assert.True(t, Is(err, ErrNotConnected))
	assert.False(t, Is(err, ErrConnectionClosed))
}

func TestRemoteErrorPassesMessageThrough(t *testing.T) {
	err := NewRemoteError(CodeMethodNotFound, "tool not found: frobnicate")

	wrapped := Wrap(err, "tools/call failed")
	remote, ok := IsRemoteError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeMethodNotFound, remote.Code)
	assert.Equal(t, "tool not found: frobnicate", remote.Message)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(Wrap(ErrConfigurationNotFound, "server missing")))
	assert.False(t, IsRetryable(Wrap(ErrAgentNotAvailable, "agent gone")))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(New("transient transport failure")))
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := New("dispatch failed")
	err = WithDetail(err, "Job ID: task-1-abc")
	err = Wrap(err, "worker attempt 2")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: task-1-abc", details[0])
}
