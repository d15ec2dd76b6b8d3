package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerUsableBeforeInitialize(t *testing.T) {
	// Must not panic even if Initialize was never called.
	require.NotNil(t, Logger)
	Logger.Infow("safe before init", "key", "value")
}

func TestInitializeJSON(t *testing.T) {
	require.NoError(t, Initialize(true))
	assert.True(t, JSONOutput)
	require.NotNil(t, Logger)
	Named("test").Debugw("named logger works")
}

func TestInitializeConsole(t *testing.T) {
	require.NoError(t, Initialize(false))
	assert.False(t, JSONOutput)
	Named("test").Infow("console logger works", "n", 1)
}
