// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the orchestrator configuration.
type Config struct {
	Agent     AgentConfig     `toml:"agent"`
	LLM       LLMConfig       `toml:"llm"`
	Subagent  SubagentConfig  `toml:"subagent"`
	Bus       BusConfig       `toml:"bus"`
	Storage   StorageConfig   `toml:"storage"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// AgentConfig contains main-loop settings.
type AgentConfig struct {
	ID             string `toml:"id"`
	SnapshotWindow int    `toml:"snapshot_window"`  // parent messages copied to a subagent at spawn
	MaxLLMFailures int    `toml:"max_llm_failures"` // consecutive reasoning failures before a turn fails
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"` // Custom API endpoint (OpenRouter, LiteLLM, Ollama)
}

// SubagentConfig contains subagent worker settings.
type SubagentConfig struct {
	MaxIterations  int    `toml:"max_iterations"`  // iteration ceiling per delegated task
	AdjustInterval int    `toml:"adjust_interval"` // request adjustment every N iterations (0 = never)
	AdjustTimeout  string `toml:"adjust_timeout"`  // wait for adjustment feedback (e.g. "30s")
	MaxLLMFailures int    `toml:"max_llm_failures"`
	ExcerptWindow  int    `toml:"excerpt_window"` // transcript messages included in an adjustment request
}

// BusConfig contains message bus settings.
type BusConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// StorageConfig contains session persistence settings.
type StorageConfig struct {
	Path    string `toml:"path"`
	Persist bool   `toml:"persist"` // true = sessions written to disk, false = in-memory only
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Agent: AgentConfig{
			SnapshotWindow: 10,
			MaxLLMFailures: 3,
		},
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Subagent: SubagentConfig{
			MaxIterations:  15,
			AdjustInterval: 3,
			AdjustTimeout:  "30s",
			MaxLLMFailures: 3,
			ExcerptWindow:  5,
		},
		Bus: BusConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "maestro",
		},
		Storage: StorageConfig{
			Path: "~/.local/maestro",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
	}
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from maestro.toml in the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "maestro.toml"))
}

// Timeout parses the configured adjustment timeout, falling back to 30s.
func (c *SubagentConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.AdjustTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}
