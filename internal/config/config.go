// Package config handles configuration loading, validation, and management
// for the realitycam agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete agent configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Device identifies this installation to the backend.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`

	// Storage configuration for the vault and queue database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Capture configuration for the frame pipeline.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Attestation configuration for hardware signing.
	Attestation AttestationConfig `toml:"attestation" json:"attestation" yaml:"attestation"`

	// Upload configuration for the delivery queue.
	Upload UploadConfig `toml:"upload" json:"upload" yaml:"upload"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// DeviceConfig identifies the installation.
type DeviceConfig struct {
	// Model reported in capture metadata.
	Model string `toml:"model" json:"model" yaml:"model"`

	// OSVersion reported in capture metadata.
	OSVersion string `toml:"os_version" json:"os_version" yaml:"os_version"`

	// AppVersion reported in capture metadata.
	AppVersion string `toml:"app_version" json:"app_version" yaml:"app_version"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// DataDir is the base directory for all agent state.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// VaultDir holds the encrypted bundles. Defaults to DataDir/vault.
	VaultDir string `toml:"vault_dir" json:"vault_dir" yaml:"vault_dir"`

	// QueuePath is the delivery queue database. Defaults to
	// DataDir/queue.db.
	QueuePath string `toml:"queue_path" json:"queue_path" yaml:"queue_path"`

	// KeystoreDir holds keystore entries. Defaults to DataDir/keys.
	KeystoreDir string `toml:"keystore_dir" json:"keystore_dir" yaml:"keystore_dir"`

	// MaxItems and MaxBytes bound the vault quota. Zero means the vault
	// defaults (50 items, 500 MB).
	MaxItems int   `toml:"max_items" json:"max_items" yaml:"max_items"`
	MaxBytes int64 `toml:"max_bytes" json:"max_bytes" yaml:"max_bytes"`
}

// CaptureConfig tunes the frame pipeline.
type CaptureConfig struct {
	// CheckpointInterval is the hash chain checkpoint spacing in frames.
	CheckpointInterval int `toml:"checkpoint_interval" json:"checkpoint_interval" yaml:"checkpoint_interval"`

	// DepthSampleInterval samples every Nth frame for depth keyframes.
	DepthSampleInterval int `toml:"depth_sample_interval" json:"depth_sample_interval" yaml:"depth_sample_interval"`

	// MaxDepthKeyframes caps the depth set per session.
	MaxDepthKeyframes int `toml:"max_depth_keyframes" json:"max_depth_keyframes" yaml:"max_depth_keyframes"`
}

// AttestationConfig holds hardware signing configuration.
type AttestationConfig struct {
	// TPMEnabled selects the TPM authority on Linux; otherwise the
	// software authority is used.
	TPMEnabled bool `toml:"tpm_enabled" json:"tpm_enabled" yaml:"tpm_enabled"`

	// TPMPath is the TPM device path.
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`
}

// UploadConfig holds delivery configuration.
type UploadConfig struct {
	// BaseURL of the verification backend.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// DeviceKey authenticates uploads. Prefer the
	// REALITYCAM_DEVICE_KEY environment variable over the file.
	DeviceKey string `toml:"device_key" json:"device_key" yaml:"device_key"`

	// TimeoutSec bounds one upload attempt.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// MaxAttempts caps retries before an item permanently fails.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`

	// BackoffBaseMs and BackoffCapMs shape the retry schedule.
	BackoffBaseMs int `toml:"backoff_base_ms" json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffCapMs  int `toml:"backoff_cap_ms" json:"backoff_cap_ms" yaml:"backoff_cap_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Device: DeviceConfig{
			Model:      "unknown",
			OSVersion:  runtime.GOOS,
			AppVersion: "dev",
		},
		Storage: StorageConfig{
			DataDir:     dir,
			VaultDir:    filepath.Join(dir, "vault"),
			QueuePath:   filepath.Join(dir, "queue.db"),
			KeystoreDir: filepath.Join(dir, "keys"),
		},
		Capture: CaptureConfig{
			CheckpointInterval:  150,
			DepthSampleInterval: 3,
			MaxDepthKeyframes:   150,
		},
		Attestation: AttestationConfig{
			TPMEnabled: false,
			TPMPath:    defaultTPMPath(),
		},
		Upload: UploadConfig{
			BaseURL:       "https://api.realitycam.example",
			TimeoutSec:    120,
			MaxAttempts:   10,
			BackoffBaseMs: 1000,
			BackoffCapMs:  300000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path. A missing file yields
// the defaults. TOML, JSON, and YAML are supported by file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		// TOML is the primary format.
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Capture.CheckpointInterval < 1 {
		return fmt.Errorf("config: checkpoint_interval must be positive, got %d", c.Capture.CheckpointInterval)
	}
	if c.Capture.DepthSampleInterval < 1 {
		return fmt.Errorf("config: depth_sample_interval must be positive, got %d", c.Capture.DepthSampleInterval)
	}
	if c.Capture.MaxDepthKeyframes < 1 {
		return fmt.Errorf("config: max_depth_keyframes must be positive, got %d", c.Capture.MaxDepthKeyframes)
	}
	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be positive, got %d", c.Upload.MaxAttempts)
	}
	if c.Upload.BackoffBaseMs < 1 || c.Upload.BackoffCapMs < c.Upload.BackoffBaseMs {
		return fmt.Errorf("config: backoff base %dms / cap %dms are inconsistent",
			c.Upload.BackoffBaseMs, c.Upload.BackoffCapMs)
	}
	if c.Upload.BaseURL == "" {
		return fmt.Errorf("config: upload base_url is required")
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			return fmt.Errorf("config: logging output is file but file_path is empty")
		}
	default:
		return fmt.Errorf("config: unknown logging output %q", c.Logging.Output)
	}
	return nil
}

// EnsureDirectories creates all directories the agent needs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.VaultDir,
		c.Storage.KeystoreDir,
		filepath.Dir(c.Storage.QueuePath),
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// UploadTimeout returns the configured attempt timeout.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.TimeoutSec) * time.Second
}

// DataDir returns the base agent directory, honoring the
// REALITYCAM_DATA_DIR override.
func DataDir() string {
	if envDir := os.Getenv("REALITYCAM_DATA_DIR"); envDir != "" {
		return envDir
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "realitycam")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "realitycam")
		}
		return filepath.Join(os.Getenv("HOME"), ".local", "share", "realitycam")
	}
}

// ApplyEnvOverrides applies REALITYCAM_-prefixed environment overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("REALITYCAM_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("REALITYCAM_VAULT_DIR"); v != "" {
		c.Storage.VaultDir = v
	}
	if v := os.Getenv("REALITYCAM_QUEUE_PATH"); v != "" {
		c.Storage.QueuePath = v
	}
	if v := os.Getenv("REALITYCAM_BASE_URL"); v != "" {
		c.Upload.BaseURL = v
	}
	// The device key is a credential; the environment beats the file.
	if v := os.Getenv("REALITYCAM_DEVICE_KEY"); v != "" {
		c.Upload.DeviceKey = v
	}
	if v := os.Getenv("REALITYCAM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("REALITYCAM_TPM_PATH"); v != "" {
		c.Attestation.TPMPath = v
	}
}

func defaultTPMPath() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	if _, err := os.Stat("/dev/tpmrm0"); err == nil {
		return "/dev/tpmrm0"
	}
	return "/dev/tpm0"
}
