// Package config provides configuration management for the devpeace daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	API      APIConfig      `yaml:"api"`
	Jira     JiraConfig     `yaml:"jira"`
	Tracking TrackingConfig `yaml:"tracking"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// APIConfig contains control-surface settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// JiraConfig contains tracker connection settings. Credentials are supplied
// here (environment variables are expanded on load), never hard-coded.
type JiraConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	APIToken string `yaml:"api_token"`

	// Submission queue tuning.
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffMs     int `yaml:"backoff_ms"`
}

// TrackingConfig contains session tracking settings.
type TrackingConfig struct {
	IdleTimeoutMin int `yaml:"idle_timeout_min"`
	DebounceMs     int `yaml:"debounce_ms"`
	MinLogSeconds  int `yaml:"min_log_seconds"`
	TickSeconds    int `yaml:"tick_seconds"`

	// Project key prefixes used to disambiguate branch names like
	// hotfix/PROJ123 that carry no key separator.
	ProjectKeys []string `yaml:"project_keys"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"`
	Output     []string `yaml:"output"`
	TimeFormat string   `yaml:"time_format"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Host:    "127.0.0.1",
			Port:    8574,
			DataDir: DefaultDataDir(),
		},
		API: APIConfig{
			Enabled: true,
			APIKey:  "", // Empty = no auth for localhost
		},
		Jira: JiraConfig{
			MaxConcurrent: 2,
			MaxAttempts:   5,
			BackoffMs:     2000,
		},
		Tracking: TrackingConfig{
			IdleTimeoutMin: 15,
			DebounceMs:     1500,
			MinLogSeconds:  60,
			TickSeconds:    5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"file"},
		},
	}
}

// DefaultDataDir returns the default data directory based on OS.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "devpeace")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "devpeace")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "devpeace")
	default: // linux and others
		xdgData := os.Getenv("XDG_DATA_HOME")
		if xdgData != "" {
			return filepath.Join(xdgData, "devpeace")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".devpeace")
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load loads configuration from a file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables so credentials can live outside the file
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if strings.HasPrefix(cfg.Service.DataDir, "~/") {
		home, _ := os.UserHomeDir()
		cfg.Service.DataDir = filepath.Join(home, cfg.Service.DataDir[2:])
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Address returns the full address string for the control-surface server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Service.Host, c.Service.Port)
}

// DatabasePath returns the path to the sqlite store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Service.DataDir, "devpeace.db")
}

// LogPath returns the path to the daemon log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Service.DataDir, "logs", "devpeace.log")
}

// PIDPath returns the path to the daemon PID file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Service.DataDir, "devpeace.pid")
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		filepath.Dir(c.LogPath()),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// JiraConfigured reports whether tracker credentials are present.
func (c *Config) JiraConfigured() bool {
	return c.Jira.URL != "" && c.Jira.Username != "" && c.Jira.APIToken != ""
}

// IdleTimeout returns the session idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Tracking.IdleTimeoutMin) * time.Minute
}

// Debounce returns the file-change debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Tracking.DebounceMs) * time.Millisecond
}

// MinLogDuration returns the minimum loggable session duration.
func (c *Config) MinLogDuration() time.Duration {
	return time.Duration(c.Tracking.MinLogSeconds) * time.Second
}

// Tick returns the orchestrator timer cadence.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Tracking.TickSeconds) * time.Second
}
