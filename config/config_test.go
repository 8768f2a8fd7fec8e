package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "taskq.db", cfg.Store.Path)
	assert.Equal(t, 1, cfg.Worker.MaxConcurrency)
	assert.Equal(t, time.Second, time.Duration(cfg.Worker.PollInterval))
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Zero(t, cfg.Queue.DefaultResultTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /var/lib/taskq/tasks.db
  lease_horizon: 5m
queue:
  default_result_timeout: 30s
worker:
  max_concurrency: 8
  poll_interval: 250ms
  batch_size: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/taskq/tasks.db", cfg.Store.Path)
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.Store.LeaseHorizon))
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Queue.DefaultResultTimeout))
	assert.Equal(t, 8, cfg.Worker.MaxConcurrency)
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.Worker.PollInterval))
	assert.Equal(t, 50, cfg.Worker.BatchSize)
}

func TestLoadPartialFileKeepsRemainingDefaults(t *testing.T) {
	path := writeConfig(t, `
worker:
  max_concurrency: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrency)
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Equal(t, "taskq.db", cfg.Store.Path)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
worker:
  poll_interval: soonish
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soonish")
}

func TestLoadRejectsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero concurrency", "worker:\n  max_concurrency: 0\n"},
		{"negative batch", "worker:\n  batch_size: -1\n"},
		{"negative lease", "store:\n  lease_horizon: -1s\n"},
		{"negative result timeout", "queue:\n  default_result_timeout: -5s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	type doc struct {
		D Duration `yaml:"d"`
	}

	out, err := yaml.Marshal(doc{D: Duration(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1.5s\n", string(out))

	var in doc
	require.NoError(t, yaml.Unmarshal(out, &in))
	assert.Equal(t, 1500*time.Millisecond, time.Duration(in.D))
}
