package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, 150, cfg.Capture.CheckpointInterval)
	assert.Equal(t, 3, cfg.Capture.DepthSampleInterval)
	assert.Equal(t, 10, cfg.Upload.MaxAttempts)
	assert.Equal(t, 1000, cfg.Upload.BackoffBaseMs)
	assert.Equal(t, 300000, cfg.Upload.BackoffCapMs)
}

func TestLoad_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
version = 1

[upload]
base_url = "https://api.example"
max_attempts = 5

[logging]
level = "debug"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example", cfg.Upload.BaseURL)
	assert.Equal(t, 5, cfg.Upload.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset sections keep their defaults.
	assert.Equal(t, 150, cfg.Capture.CheckpointInterval)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
upload:
  base_url: https://yaml.example
capture:
  checkpoint_interval: 300
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://yaml.example", cfg.Upload.BaseURL)
	assert.Equal(t, 300, cfg.Capture.CheckpointInterval)
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"upload":{"base_url":"https://json.example"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://json.example", cfg.Upload.BaseURL)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[capture]
checkpoint_interval = 0
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("REALITYCAM_BASE_URL", "https://env.example")
	t.Setenv("REALITYCAM_DEVICE_KEY", "env-key")
	t.Setenv("REALITYCAM_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.Upload.BaseURL)
	assert.Equal(t, "env-key", cfg.Upload.DeviceKey)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero max attempts", func(c *Config) { c.Upload.MaxAttempts = 0 }, true},
		{"cap below base", func(c *Config) { c.Upload.BackoffCapMs = 1 }, true},
		{"empty base url", func(c *Config) { c.Upload.BaseURL = "" }, true},
		{"file output without path", func(c *Config) { c.Logging.Output = "file" }, true},
		{"file output with path", func(c *Config) {
			c.Logging.Output = "file"
			c.Logging.FilePath = "/tmp/agent.log"
		}, false},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.VaultDir = filepath.Join(dir, "data", "vault")
	cfg.Storage.KeystoreDir = filepath.Join(dir, "data", "keys")
	cfg.Storage.QueuePath = filepath.Join(dir, "data", "queue.db")

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Storage.VaultDir)
	assert.DirExists(t, cfg.Storage.KeystoreDir)
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[upload]
base_url = "https://one.example"
`), 0o600))

	l := NewLoader(path, nil)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "https://one.example", cfg.Upload.BaseURL)

	reloaded := make(chan *Config, 1)
	l.OnChange(func(c *Config) { reloaded <- c })
	require.NoError(t, l.Watch())
	defer l.Close()

	require.NoError(t, os.WriteFile(path, []byte(`[upload]
base_url = "https://two.example"
`), 0o600))

	select {
	case c := <-reloaded:
		assert.Equal(t, "https://two.example", c.Upload.BaseURL)
		assert.Equal(t, "https://two.example", l.Config().Upload.BaseURL)
	case <-time.After(5 * time.Second):
		t.Fatal("config never reloaded")
	}
}

func TestLoader_BrokenEditKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[upload]
base_url = "https://good.example"
`), 0o600))

	l := NewLoader(path, nil)
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	require.NoError(t, os.WriteFile(path, []byte(`[capture]
checkpoint_interval = 0
`), 0o600))

	// Give the reload a chance to run; the bad config must be rejected.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, "https://good.example", l.Config().Upload.BaseURL)
}
