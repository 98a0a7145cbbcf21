package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()

	if cfg.Subagent.MaxIterations != 15 {
		t.Errorf("expected iteration ceiling 15, got %d", cfg.Subagent.MaxIterations)
	}
	if cfg.Subagent.AdjustInterval != 3 {
		t.Errorf("expected adjust interval 3, got %d", cfg.Subagent.AdjustInterval)
	}
	if cfg.Subagent.Timeout() != 30*time.Second {
		t.Errorf("expected 30s adjust timeout, got %s", cfg.Subagent.Timeout())
	}
	if cfg.Agent.SnapshotWindow != 10 {
		t.Errorf("expected snapshot window 10, got %d", cfg.Agent.SnapshotWindow)
	}
	if cfg.Agent.MaxLLMFailures != 3 {
		t.Errorf("expected max llm failures 3, got %d", cfg.Agent.MaxLLMFailures)
	}
	if cfg.Bus.SubjectPrefix != "maestro" {
		t.Errorf("unexpected subject prefix %q", cfg.Bus.SubjectPrefix)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.toml")
	content := `
[llm]
model = "claude-sonnet-4-20250514"
max_tokens = 8192

[subagent]
max_iterations = 5
adjust_interval = 2
adjust_timeout = "10s"

[bus]
url = "nats://localhost:4223"

[storage]
persist = true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.LLM.Model != "claude-sonnet-4-20250514" {
		t.Errorf("unexpected model %q", cfg.LLM.Model)
	}
	if cfg.Subagent.MaxIterations != 5 {
		t.Errorf("expected overridden ceiling 5, got %d", cfg.Subagent.MaxIterations)
	}
	if cfg.Subagent.Timeout() != 10*time.Second {
		t.Errorf("expected 10s timeout, got %s", cfg.Subagent.Timeout())
	}
	if !cfg.Storage.Persist {
		t.Error("expected persist enabled")
	}
	// Unset sections keep defaults.
	if cfg.Agent.SnapshotWindow != 10 {
		t.Errorf("default snapshot window lost: %d", cfg.Agent.SnapshotWindow)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTimeout_InvalidFallsBack(t *testing.T) {
	c := SubagentConfig{AdjustTimeout: "not-a-duration"}
	if c.Timeout() != 30*time.Second {
		t.Errorf("expected 30s fallback, got %s", c.Timeout())
	}
	c = SubagentConfig{AdjustTimeout: "-5s"}
	if c.Timeout() != 30*time.Second {
		t.Errorf("expected 30s fallback for negative duration, got %s", c.Timeout())
	}
}

func TestGetAPIKey(t *testing.T) {
	cfg := New()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.APIKeyEnv = "MAESTRO_TEST_KEY"
	t.Setenv("MAESTRO_TEST_KEY", "sk-test")

	if got := cfg.GetAPIKey(); got != "sk-test" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestDefaultAPIKeyEnv(t *testing.T) {
	if got := DefaultAPIKeyEnv("anthropic"); got != "ANTHROPIC_API_KEY" {
		t.Errorf("unexpected env var %q", got)
	}
	if got := DefaultAPIKeyEnv("unknown"); got != "" {
		t.Errorf("expected empty for unknown provider, got %q", got)
	}
}
