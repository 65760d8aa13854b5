// Package config loads Sage's runtime configuration — loop limits, executor
// concurrency, rate limits, circuit-breaker thresholds, compaction
// thresholds, provider credentials, and the fallback chain — from a layered
// YAML file, following the teacher's Load/applyDefaults/applyEnvOverrides/
// validateConfig pipeline adapted from its much larger bot-platform Config.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joho/godotenv"
)

// Config is Sage's top-level runtime configuration.
type Config struct {
	// Version is the config file's schema version. Defaults to
	// CurrentVersion when omitted, for configs predating this field.
	Version   int             `yaml:"version"`
	Engine    EngineConfig    `yaml:"engine"`
	Executor  ExecutorConfig  `yaml:"executor"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Circuit   CircuitConfig   `yaml:"circuit_breaker"`
	Compact   CompactConfig   `yaml:"compaction"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	LLM       LLMConfig       `yaml:"llm"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// EngineConfig mirrors engine.Config — the loop's step budget and prompt.
type EngineConfig struct {
	MaxSteps     int    `yaml:"max_steps"`
	SystemPrompt string `yaml:"system_prompt"`
}

// ExecutorConfig mirrors tool.ExecutorConfig — the global concurrency cap
// shared by every Parallel/Limited/ExclusiveByType tool call.
type ExecutorConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// RateLimitConfig mirrors ratelimit.Config.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// CircuitConfig mirrors infra.CircuitBreakerConfig's tunables (Name and
// OnStateChange are wired up by the caller, not loaded from YAML).
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CompactConfig mirrors compact.Config.
type CompactConfig struct {
	MaxTokens    int    `yaml:"max_tokens"`
	HighWater    float64 `yaml:"high_water"`
	RetainTail   int    `yaml:"retain_tail"`
	SummaryModel string `yaml:"summary_model"`
}

// CheckpointConfig mirrors checkpoint.Config.
type CheckpointConfig struct {
	MaxCheckpoints int `yaml:"max_checkpoints"`
}

// LLMConfig configures provider credentials and the fallback chain per
// SPEC_FULL.md §4.12. Trimmed from the teacher's LLMConfig: routing and
// local-discovery knobs (LLMRoutingConfig/LLMAutoDiscoverConfig) served a
// multi-channel bot gateway Sage doesn't have and were dropped.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain lists provider names to try in order if DefaultProvider
	// fails, per spec.md's fallback-chain component.
	FallbackChain []string `yaml:"fallback_chain"`

	Bedrock BedrockConfig `yaml:"bedrock"`
}

// LLMProviderConfig configures one named provider entry.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// BedrockConfig configures AWS Bedrock model discovery.
type BedrockConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Region               string   `yaml:"region"`
	ProviderFilter       []string `yaml:"provider_filter"`
	DefaultContextWindow int      `yaml:"default_context_window"`
	DefaultMaxTokens     int      `yaml:"default_max_tokens"`
}

// LoggingConfig controls the structured logger's verbosity/format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OpenTelemetry tracing of AgentSteps and tool calls.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges ($include-resolved via LoadRaw), defaults, overrides,
// and validates a Sage config file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort .env for local development; missing file is not an error

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated entirely with the component packages'
// own DefaultConfig() values, for embedders that run without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Engine.MaxSteps == 0 {
		cfg.Engine.MaxSteps = 50
	}
	if cfg.Engine.SystemPrompt == "" {
		cfg.Engine.SystemPrompt = "You are Sage, an autonomous coding agent."
	}
	if cfg.Executor.MaxConcurrent == 0 {
		cfg.Executor.MaxConcurrent = 8
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10.0
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 20
	}
	if cfg.Circuit.FailureThreshold == 0 {
		cfg.Circuit.FailureThreshold = 5
	}
	if cfg.Circuit.SuccessThreshold == 0 {
		cfg.Circuit.SuccessThreshold = 2
	}
	if cfg.Circuit.Timeout == 0 {
		cfg.Circuit.Timeout = 30 * time.Second
	}
	if cfg.Compact.MaxTokens == 0 {
		cfg.Compact.MaxTokens = 180000
	}
	if cfg.Compact.HighWater == 0 {
		cfg.Compact.HighWater = 0.8
	}
	if cfg.Compact.RetainTail == 0 {
		cfg.Compact.RetainTail = 4
	}
	if cfg.Checkpoint.MaxCheckpoints == 0 {
		cfg.Checkpoint.MaxCheckpoints = 50
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.LLM.Bedrock.Enabled && cfg.LLM.Bedrock.Region == "" {
		cfg.LLM.Bedrock.Region = "us-east-1"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		setProviderKey(cfg, "anthropic", key)
	}
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		setProviderKey(cfg, "openai", key)
	}
	if key := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")); key != "" {
		setProviderKey(cfg, "openrouter", key)
	}
	if key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); key != "" {
		setProviderKey(cfg, "gemini", key)
	}
	if model := strings.TrimSpace(os.Getenv("SAGE_MODEL")); model != "" {
		cfg.LLM.DefaultProviderModel(model)
	}
	if v := strings.TrimSpace(os.Getenv("SAGE_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.DefaultProviderMaxTokens(n)
		}
	}
	if v := strings.TrimSpace(os.Getenv("SAGE_MAX_STEPS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxSteps = n
		}
	}
}

func setProviderKey(cfg *Config, name, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	p := cfg.LLM.Providers[name]
	p.APIKey = key
	cfg.LLM.Providers[name] = p
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = name
	}
}

// DefaultProviderModel sets DefaultModel on the currently selected default
// provider, creating its entry if absent.
func (l *LLMConfig) DefaultProviderModel(model string) {
	if l.DefaultProvider == "" {
		return
	}
	if l.Providers == nil {
		l.Providers = map[string]LLMProviderConfig{}
	}
	p := l.Providers[l.DefaultProvider]
	p.DefaultModel = model
	l.Providers[l.DefaultProvider] = p
}

// DefaultProviderMaxTokens sets MaxTokens on the currently selected default
// provider, creating its entry if absent.
func (l *LLMConfig) DefaultProviderMaxTokens(maxTokens int) {
	if l.DefaultProvider == "" {
		return
	}
	if l.Providers == nil {
		l.Providers = map[string]LLMProviderConfig{}
	}
	p := l.Providers[l.DefaultProvider]
	p.MaxTokens = maxTokens
	l.Providers[l.DefaultProvider] = p
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var issues []string

	if verr := ValidateVersion(cfg.Version); verr != nil {
		issues = append(issues, verr.Error())
	}
	if cfg.Engine.MaxSteps <= 0 {
		issues = append(issues, "engine.max_steps must be > 0")
	}
	if cfg.Executor.MaxConcurrent <= 0 {
		issues = append(issues, "executor.max_concurrent must be > 0")
	}
	if cfg.Compact.HighWater <= 0 || cfg.Compact.HighWater > 1 {
		issues = append(issues, "compaction.high_water must be in (0, 1]")
	}
	if cfg.Compact.MaxTokens <= 0 {
		issues = append(issues, "compaction.max_tokens must be > 0")
	}
	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q has no matching entry under llm.providers", cfg.LLM.DefaultProvider))
		}
	}
	for _, name := range cfg.LLM.FallbackChain {
		if _, ok := cfg.LLM.Providers[name]; !ok {
			issues = append(issues, fmt.Sprintf("llm.fallback_chain entry %q has no matching entry under llm.providers", name))
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(issues, "\n  - "))
	}
	return nil
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(payload)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}
