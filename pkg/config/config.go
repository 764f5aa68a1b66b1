package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ConfigPathEnv overrides the config file location (useful for tests)
const ConfigPathEnv = "LECTIO_CONFIG_PATH"

// HomeDirEnv overrides the lectio home directory (useful for tests)
const HomeDirEnv = "LECTIO_HOME"

// Defaults applied when the config file omits a value.
const (
	DefaultMaxSessions       = 20
	DefaultCoolDownSeconds   = 3
	DefaultBackupIntervalSec = 10
	DefaultBackupSpacingSec  = 8
	DefaultPollIntervalSec   = 15
)

// Config holds the engine configuration, persisted as JSON under ~/.lectio.
type Config struct {
	BackendURL string `json:"backend_url"`
	APIKey     string `json:"api_key"`
	IdentityID string `json:"identity_id"`

	MaxSessions       int `json:"max_sessions,omitempty"`
	CoolDownSeconds   int `json:"cool_down_seconds,omitempty"`
	BackupIntervalSec int `json:"backup_interval_seconds,omitempty"`
	BackupSpacingSec  int `json:"backup_spacing_seconds,omitempty"`
	PollIntervalSec   int `json:"poll_interval_seconds,omitempty"`
}

// Dir returns the lectio home directory (~/.lectio by default).
func Dir() (string, error) {
	if envDir := os.Getenv(HomeDirEnv); envDir != "" {
		return envDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".lectio"), nil
}

// DatabasePath returns the path to the local SQLite database.
func DatabasePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lectio.db"), nil
}

func configPath() (string, error) {
	if testPath := os.Getenv(ConfigPathEnv); testPath != "" {
		return testPath, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the configuration from disk. A missing file yields a zero
// config with defaults applied, not an error.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.CoolDownSeconds <= 0 {
		c.CoolDownSeconds = DefaultCoolDownSeconds
	}
	if c.BackupIntervalSec <= 0 {
		c.BackupIntervalSec = DefaultBackupIntervalSec
	}
	if c.BackupSpacingSec <= 0 {
		c.BackupSpacingSec = DefaultBackupSpacingSec
	}
	if c.PollIntervalSec <= 0 {
		c.PollIntervalSec = DefaultPollIntervalSec
	}
}

// Save writes the configuration to disk atomically (temp file + rename).
func Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	path, err := configPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// ValidateBackendURL checks if the backend URL is valid
func ValidateBackendURL(backendURL string) error {
	if backendURL == "" {
		return nil // Empty is allowed (not configured)
	}

	parsed, err := url.Parse(backendURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if parsed.Scheme == "" {
		return fmt.Errorf("url must include scheme (http:// or https://)")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url must include a host")
	}

	return nil
}

// ValidateAPIKey checks if the API key format is valid
func ValidateAPIKey(apiKey string) error {
	if apiKey == "" {
		return nil // Empty is allowed (not configured)
	}

	const minKeyLength = 16
	if len(apiKey) < minKeyLength {
		return fmt.Errorf("api key too short (minimum %d characters)", minKeyLength)
	}
	if strings.ContainsAny(apiKey, " \t\n\r") {
		return fmt.Errorf("api key contains invalid whitespace characters")
	}

	return nil
}

// Validate checks if the config is structurally valid
func (c *Config) Validate() error {
	if err := ValidateBackendURL(c.BackendURL); err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}
	if err := ValidateAPIKey(c.APIKey); err != nil {
		return fmt.Errorf("invalid API key: %w", err)
	}
	return nil
}

// EnsureIdentity reads the config and verifies it is bound to an identity
// with usable credentials. All sync paths require this.
func EnsureIdentity() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.IdentityID == "" || cfg.BackendURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("not authenticated. Run 'lectio login' first")
	}

	return cfg, nil
}
