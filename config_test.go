package obstools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dig-Doug/observation-tools-client/transport/transporttest"
)

const sampleConfig = `
project_id: proj-from-file
api_host: https://api.example.test
ui_host: https://ui.example.test
compression: zstd
send_timeout: 5s
shutdown_timeout: 2m
queue:
  workers: 3
  capacity: 64
  overflow: fail-fast
retry:
  max_attempts: 7
  initial_interval: 100ms
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "obstools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "proj-from-file", cfg.ProjectID)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, Duration(5*time.Second), cfg.SendTimeout)
	assert.Equal(t, Duration(2*time.Minute), cfg.ShutdownTimeout)
	assert.Equal(t, QueueConfig{Workers: 3, Capacity: 64, Overflow: "fail-fast"}, cfg.Queue)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, Duration(100*time.Millisecond), cfg.Retry.InitialInterval)
}

func TestParseConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "unknown key", data: "project: x\n", wantErr: "field project not found"},
		{name: "bad duration", data: "send_timeout: soon\n", wantErr: "invalid duration"},
		{name: "wrong type", data: "queue:\n  workers: many\n", wantErr: "cannot unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseConfig([]byte(tt.data))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvProjectID: "proj-from-env",
		EnvToken:     "tok",
		EnvWorkers:   "6",
		EnvUIHost:    "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := &Config{ProjectID: "proj-from-file", UIHost: "https://ui.example.test"}
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "proj-from-env", cfg.ProjectID)
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, 6, cfg.Queue.Workers)
	assert.Equal(t, "https://ui.example.test", cfg.UIHost, "empty variables are ignored")

	env[EnvWorkers] = "six"
	require.ErrorIs(t, cfg.applyEnv(lookup), ErrInvalidConfig)
}

func TestNewClientFromConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	c, err := NewClientFromConfig(cfg, WithTransport(&transporttest.Recorder{}))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = c.Shutdown(context.Background()) })

	assert.Equal(t, "proj-from-file", c.ProjectID())
	assert.Equal(t, "https://api.example.test", c.apiHost)
	assert.Equal(t, 3, c.workers)
	assert.Equal(t, 64, c.capacity)
	assert.Equal(t, OverflowFailFast, c.overflow)
	assert.Equal(t, CompressionZstd, c.compression)
	assert.Equal(t, 5*time.Second, c.sendTimeout)
	assert.Equal(t, 2*time.Minute, c.shutdownTimeout)
	assert.Equal(t, 7, c.retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, c.retry.InitialInterval)
	assert.Equal(t, DefaultRetryPolicy().MaxInterval, c.retry.MaxInterval)
}

func TestNewClientFromConfig_InvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing project", cfg: Config{}},
		{name: "bad overflow", cfg: Config{ProjectID: "p", Queue: QueueConfig{Overflow: "drop"}}},
		{name: "bad compression", cfg: Config{ProjectID: "p", Compression: "brotli"}},
		{name: "negative workers", cfg: Config{ProjectID: "p", Queue: QueueConfig{Workers: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewClientFromConfig(&tt.cfg, WithTransport(&transporttest.Recorder{}))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
