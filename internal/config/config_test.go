package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_steps: 10
  extra: true
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidatesDefaultProvider(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: openai
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "default_provider") {
		t.Fatalf("expected default_provider error, got %v", err)
	}
}

func TestLoadValidatesFallbackChain(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
  fallback_chain: ["openai"]
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "fallback_chain") {
		t.Fatalf("expected fallback_chain error, got %v", err)
	}
}

func TestLoadValidatesHighWater(t *testing.T) {
	path := writeConfig(t, `
compaction:
  high_water: 1.5
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "high_water") {
		t.Fatalf("expected high_water error, got %v", err)
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_steps: 25
executor:
  max_concurrent: 4
llm:
  default_provider: anthropic
  providers:
    anthropic:
      default_model: claude-sonnet-4-20250514
  fallback_chain: ["anthropic"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Engine.MaxSteps != 25 {
		t.Fatalf("expected max_steps 25, got %d", cfg.Engine.MaxSteps)
	}
	if cfg.Executor.MaxConcurrent != 4 {
		t.Fatalf("expected max_concurrent 4, got %d", cfg.Executor.MaxConcurrent)
	}
	// Untouched sections still pick up component defaults.
	if cfg.Compact.MaxTokens != 180000 {
		t.Fatalf("expected default compaction.max_tokens, got %d", cfg.Compact.MaxTokens)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Engine.MaxSteps != 50 {
		t.Fatalf("expected default max_steps 50, got %d", cfg.Engine.MaxSteps)
	}
	if cfg.Executor.MaxConcurrent != 8 {
		t.Fatalf("expected default max_concurrent 8, got %d", cfg.Executor.MaxConcurrent)
	}
	if cfg.RateLimit.RequestsPerSecond != 10.0 {
		t.Fatalf("expected default requests_per_second 10, got %v", cfg.RateLimit.RequestsPerSecond)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Engine.MaxSteps != 50 {
		t.Fatalf("expected Default() to apply engine defaults, got %d", cfg.Engine.MaxSteps)
	}
	if cfg.Checkpoint.MaxCheckpoints != 50 {
		t.Fatalf("expected Default() to apply checkpoint defaults, got %d", cfg.Checkpoint.MaxCheckpoints)
	}
}

func TestEnvOverridesSetProviderKey(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.LLM.Providers["anthropic"].APIKey != "sk-test-key" {
		t.Fatalf("expected env override to set anthropic API key, got %+v", cfg.LLM.Providers["anthropic"])
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sage.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
