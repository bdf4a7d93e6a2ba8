package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Runs.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Runs.MaxConcurrent)
	}
	if cfg.Runs.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want 5", cfg.Runs.MaxIterations)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.LLM.Model == "" {
		t.Error("LLM.Model is empty")
	}
	if cfg.RunTimeout() != 900*time.Second {
		t.Errorf("RunTimeout = %s, want 15m", cfg.RunTimeout())
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[runs]
workspace_dir = "/data/workspaces"
max_concurrent = 5
run_timeout_sec = 300

[llm]
model = "llama-3.3-70b-versatile"
temperature = 0.4

[server]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Runs.WorkspaceDir != "/data/workspaces" {
		t.Errorf("WorkspaceDir = %q, want /data/workspaces", cfg.Runs.WorkspaceDir)
	}
	if cfg.Runs.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.Runs.MaxConcurrent)
	}
	if cfg.LLM.Model != "llama-3.3-70b-versatile" {
		t.Errorf("LLM.Model = %q, want llama-3.3-70b-versatile", cfg.LLM.Model)
	}
	if cfg.LLM.Temperature != 0.4 {
		t.Errorf("LLM.Temperature = %v, want 0.4", cfg.LLM.Temperature)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	// Untouched sections keep defaults
	if cfg.Runs.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want default 5", cfg.Runs.MaxIterations)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.Runs.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want default 3", cfg.Runs.MaxConcurrent)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestConfig_APIKey(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKeyEnv = "COGNITIONFLOW_TEST_KEY"
	t.Setenv("COGNITIONFLOW_TEST_KEY", "sk-test")

	if got := cfg.APIKey(); got != "sk-test" {
		t.Errorf("APIKey() = %q, want sk-test", got)
	}

	cfg.LLM.APIKeyEnv = ""
	if got := cfg.APIKey(); got != "" {
		t.Errorf("APIKey() with empty env name = %q, want empty", got)
	}
}
