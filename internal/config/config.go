package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Runs          RunsConfig          `toml:"runs"`
	LLM           LLMConfig           `toml:"llm"`
	Cleanup       CleanupConfig       `toml:"cleanup"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// RunsConfig holds run execution limits and paths
type RunsConfig struct {
	WorkspaceDir      string `toml:"workspace_dir"`
	DatabasePath      string `toml:"database_path"`
	MaxConcurrent     int    `toml:"max_concurrent"`
	MaxIterations     int    `toml:"max_iterations"`
	RunTimeoutSec     int    `toml:"run_timeout_sec"`
	ExecTimeoutSec    int    `toml:"exec_timeout_sec"`
	StreamBufferSize  int    `toml:"stream_buffer_size"`
	SubscriberQueue   int    `toml:"subscriber_queue"`
	PythonInterpreter string `toml:"python_interpreter"`
}

// LLMConfig holds provider settings for the OpenAI-compatible endpoint
type LLMConfig struct {
	BaseURL           string  `toml:"base_url"`
	APIKeyEnv         string  `toml:"api_key_env"`
	Model             string  `toml:"model"`
	Temperature       float32 `toml:"temperature"`
	RequestTimeoutSec int     `toml:"request_timeout_sec"`
	MaxRetries        int     `toml:"max_retries"`
}

// CleanupConfig holds workspace janitor settings
type CleanupConfig struct {
	Cron         string `toml:"cron"`
	RetentionHrs int    `toml:"retention_hours"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// RunTimeout returns the per-run wall-clock ceiling
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Runs.RunTimeoutSec) * time.Second
}

// ExecTimeout returns the per-execution time bound for sandboxed code
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Runs.ExecTimeoutSec) * time.Second
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Runs: RunsConfig{
			WorkspaceDir:      filepath.Join(home, ".cognitionflow", "workspaces"),
			DatabasePath:      filepath.Join(home, ".cognitionflow", "runs.db"),
			MaxConcurrent:     3,
			MaxIterations:     5,
			RunTimeoutSec:     900,
			ExecTimeoutSec:    120,
			StreamBufferSize:  256,
			SubscriberQueue:   64,
			PythonInterpreter: "python3",
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.groq.com/openai/v1",
			APIKeyEnv:         "GROQ_API_KEY",
			Model:             "llama-3.1-8b-instant",
			Temperature:       0.1,
			RequestTimeoutSec: 120,
			MaxRetries:        3,
		},
		Cleanup: CleanupConfig{
			Cron:         "0 * * * *",
			RetentionHrs: 24,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.Runs.WorkspaceDir = ExpandPath(cfg.Runs.WorkspaceDir)
	cfg.Runs.DatabasePath = ExpandPath(cfg.Runs.DatabasePath)

	return cfg, nil
}

// APIKey resolves the provider API key from the configured environment variable
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cognitionflow", "config.toml")
}
