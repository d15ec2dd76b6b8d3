package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "halyard.db", cfg.Database.Path)
	assert.Equal(t, 30, cfg.Remote.RequestTimeoutSeconds)
	assert.True(t, cfg.Remote.ReconnectEnabled)
	assert.False(t, cfg.Remote.SimulationEnabled, "simulation tier must be opt-in")
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "halyard.toml")
	content := `
[database]
path = "/tmp/test-halyard.db"

[remote]
request_timeout_seconds = 5
simulation_enabled = true

[scheduler]
workers = 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-halyard.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Remote.RequestTimeoutSeconds)
	assert.True(t, cfg.Remote.SimulationEnabled)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	// Untouched keys keep defaults
	assert.Equal(t, 1, cfg.Scheduler.PollIntervalSeconds)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadCachesUntilReset(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	first, err := Load()
	require.NoError(t, err)
	second, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, second)

	Reset()
	third, err := Load()
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}
