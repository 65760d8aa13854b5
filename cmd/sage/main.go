// Package main provides the CLI entry point for Sage, an autonomous coding
// agent that drives a single task through the C7 execution loop to
// completion, failure, or an explicit request for operator input.
//
// # Basic Usage
//
// Run a task in the current directory:
//
//	sage run "add error handling to the http client"
//
// Resume and inspect a previous session:
//
//	sage resume --session-id <id>
//	sage resume --all
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GEMINI_API_KEY: Google API key for Gemini models, via the OpenAI-compatible adapter
//   - OPENROUTER_API_KEY: OpenRouter API key, via the OpenAI-compatible adapter
//   - SAGE_MODEL: overrides the provider's default model
//   - SAGE_MAX_TOKENS: overrides the provider's default max output tokens
//   - SAGE_ALLOW_ALL: when "1" or "true", the permission rule set defaults to Allow instead of Ask
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sagerun/sage/internal/checkpoint"
	"github.com/sagerun/sage/internal/compact"
	"github.com/sagerun/sage/internal/config"
	"github.com/sagerun/sage/internal/engine"
	"github.com/sagerun/sage/internal/interrupt"
	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/internal/llm/providers"
	"github.com/sagerun/sage/internal/observability"
	"github.com/sagerun/sage/internal/session"
	"github.com/sagerun/sage/internal/tool"
	"github.com/sagerun/sage/internal/tool/builtin"
	"github.com/sagerun/sage/pkg/models"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A provisional logger, good enough to report config-loading failures;
	// replaced per-command once --config (if any) is known.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCodeForError(err))
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sage",
		Short:        "Sage - an autonomous coding agent",
		Long:         "Sage drives a single task through a model/tool execution loop until it completes, fails, or needs operator input.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildRunCmd(), buildResumeCmd())
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var workDir string
	var maxSteps int
	var allowAll bool
	var configPath string

	cmd := &cobra.Command{
		Use:   "run <task description>",
		Short: "Run a task to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description := strings.Join(args, " ")
			if workDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
				workDir = wd
			}
			if allowAll {
				os.Setenv("SAGE_ALLOW_ALL", "1")
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			configureLogger(cfg)
			if maxSteps > 0 {
				cfg.Engine.MaxSteps = maxSteps
			}

			taskID := uuid.NewString()
			app, err := buildApp(workDir, cfg, taskID)
			if err != nil {
				return &exitError{code: 2, err: err}
			}

			task := models.Task{
				ID:          taskID,
				Description: description,
				WorkingDir:  workDir,
				CreatedAt:   time.Now().UTC(),
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go watchSignals(ctx, app.interrupts)

			start := time.Now()
			app.metrics.SessionStarted()
			defer func() { app.metrics.SessionEnded(time.Since(start).Seconds()) }()

			outcome := app.engine.Run(ctx, task)
			return reportOutcome(cmd, outcome)
		},
	}

	cmd.Flags().StringVar(&workDir, "dir", "", "working directory for the task (default: current directory)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "override the execution loop's step budget")
	cmd.Flags().BoolVar(&allowAll, "allow-all", false, "default every permission decision to Allow instead of Ask")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a sage.yaml config file (default: built-in defaults + env overrides)")
	return cmd
}

// loadConfig loads path if given, otherwise falls back to Default() plus
// environment overrides so `sage run` works with zero configuration.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

// configureLogger installs a slog default handler built from cfg.Logging,
// replacing the provisional one main() installs before any config is read.
func configureLogger(cfg *config.Config) {
	level := observability.LogLevelFromString(cfg.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildResumeCmd() *cobra.Command {
	var sessionID string
	var all bool
	var workDir string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "List sessions or replay a session's transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
				workDir = wd
			}
			store, err := session.NewFileJournal(sessionStoreDir(workDir))
			if err != nil {
				return &exitError{code: 2, err: err}
			}

			if sessionID == "" || all {
				sessions, err := store.ListSessions()
				if err != nil {
					return &exitError{code: 1, err: err}
				}
				for _, s := range sessions {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", s.ID, s.CreatedAt.Format(time.RFC3339), s.Title)
				}
				return nil
			}

			msgs, err := store.LoadMessages(sessionID)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", m.Message.Role, m.Message.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", "", "session to replay")
	cmd.Flags().BoolVar(&all, "all", false, "list every session instead of replaying one")
	cmd.Flags().StringVar(&workDir, "dir", "", "project directory whose sessions to look under (default: current directory)")
	return cmd
}

// app bundles the wired components one CLI invocation needs.
type app struct {
	engine     *engine.Engine
	interrupts *interrupt.Manager
	journal    *session.FileJournal
	metrics    *observability.Metrics
}

func sessionStoreDir(workDir string) string {
	return filepath.Join(workDir, ".sage", "sessions")
}

// checkpointStoreDir holds per-run checkpoint snapshots, keyed by runID since
// the engine doesn't hand back its internal session ID until Run is already
// underway — runID (generated by the caller before buildApp) stands in for it.
func checkpointStoreDir(workDir string) string {
	return filepath.Join(workDir, ".sage", "checkpoints")
}

// buildApp wires an Engine from cfg-resolved provider credentials (falling
// back to a single provider when no fallback_chain is configured), the
// builtin tool set, and the C5/C6/C8 supporting components — the
// embedder-side assembly internal/tool and internal/engine deliberately
// leave out of the core. runID keys the Checkpoint Manager's on-disk store
// and doubles as the task ID the caller passes to engine.Run.
func buildApp(workDir string, cfg *config.Config, runID string) (*app, error) {
	orch, err := buildOrchestrator(cfg)
	if err != nil {
		return nil, err
	}

	registry := tool.NewRegistry()
	if err := builtin.RegisterAll(registry, workDir); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	defaultBehavior := models.PermissionAsk
	if isTruthy(os.Getenv("SAGE_ALLOW_ALL")) {
		defaultBehavior = models.PermissionAllow
	}
	rules := tool.NewRuleSet([]tool.Rule{
		{Source: tool.SourceBuiltin, ToolNamePattern: "*", Behavior: defaultBehavior, Reason: "default policy"},
	})
	perm := tool.NewPermissionChecker(rules)
	hooks := tool.NewHookChain(nil, nil)

	journal, err := session.NewFileJournal(sessionStoreDir(workDir))
	if err != nil {
		return nil, fmt.Errorf("open session journal: %w", err)
	}

	checkpoints, err := checkpoint.NewManager(checkpoint.Config{ProjectRoot: workDir, MaxCheckpoints: cfg.Checkpoint.MaxCheckpoints}, checkpointStoreDir(workDir), runID)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	input := newStdinInputChannel()
	executor := tool.NewExecutor(registry, perm, hooks, checkpoints, nil, input, tool.ExecutorConfig{MaxConcurrent: cfg.Executor.MaxConcurrent})

	compactor := compact.NewManager(compact.Config{
		MaxTokens:  cfg.Compact.MaxTokens,
		HighWater:  cfg.Compact.HighWater,
		RetainTail: cfg.Compact.RetainTail,
	}, orch)

	interrupts := interrupt.NewManager()

	engCfg := engine.Config{MaxSteps: cfg.Engine.MaxSteps, SystemPrompt: cfg.Engine.SystemPrompt}

	metrics := observability.NewMetrics()
	eng := engine.New(engCfg, orch, executor, registry, interrupts, journal, compactor, func(ev models.AgentEvent) {
		recordEvent(metrics, ev)
	})

	return &app{engine: eng, interrupts: interrupts, journal: journal, metrics: metrics}, nil
}

// buildOrchestrator resolves cfg.LLM.DefaultProvider, wrapping it in a
// FallbackChain (internal/llm's C3 retry/fallback mechanism) when
// cfg.LLM.FallbackChain names additional providers to try on failure.
func buildOrchestrator(cfg *config.Config) (*llm.Orchestrator, error) {
	orchCfg := llm.DefaultOrchestratorConfig()

	if len(cfg.LLM.FallbackChain) <= 1 {
		provider, err := resolveProvider(cfg)
		if err != nil {
			return nil, err
		}
		return llm.NewOrchestrator(provider, orchCfg), nil
	}

	ctx := context.Background()
	providerSet := make(map[string]llm.Provider, len(cfg.LLM.FallbackChain))
	modelConfigs := make([]llm.ModelConfig, 0, len(cfg.LLM.FallbackChain))
	for i, name := range cfg.LLM.FallbackChain {
		p, err := newNamedProvider(ctx, cfg, name)
		if err != nil {
			return nil, fmt.Errorf("build fallback provider %q: %w", name, err)
		}
		providerSet[name] = p
		modelConfigs = append(modelConfigs, llm.ModelConfig{ID: cfg.LLM.Providers[name].DefaultModel, Provider: name, Priority: i})
	}
	chain := llm.NewFallbackChain(providerSet, modelConfigs)
	return llm.NewOrchestratorWithFallback(chain, orchCfg), nil
}

// recordEvent logs an agent event and feeds the subset with Prometheus/
// diagnostic-event equivalents (tool outcomes, run stats, context packing)
// into the shared Metrics and diagnostic event bus.
func recordEvent(metrics *observability.Metrics, ev models.AgentEvent) {
	attrs := []any{"type", ev.Type, "seq", ev.Sequence}
	switch {
	case ev.Tool != nil:
		attrs = append(attrs, "tool", ev.Tool.Name)
		if ev.Type == models.AgentEventToolFinished {
			status := "success"
			if !ev.Tool.Success {
				status = "error"
			}
			metrics.RecordToolExecution(ev.Tool.Name, status, ev.Tool.Elapsed.Seconds())
			observability.EmitToolExecution(&observability.ToolExecutionEvent{
				RunID: ev.RunID, ToolName: ev.Tool.Name, Outcome: status,
				DurationMs: ev.Tool.Elapsed.Milliseconds(),
			})
		}
	case ev.Stats != nil && ev.Stats.Run != nil:
		attrs = append(attrs, "turns", ev.Stats.Run.Turns, "wall_time", ev.Stats.Run.WallTime)
	case ev.Context != nil:
		attrs = append(attrs, "used_chars", ev.Context.UsedChars, "dropped", ev.Context.Dropped)
	case ev.Error != nil:
		attrs = append(attrs, "error", ev.Error.Message)
		metrics.RecordError("engine", string(ev.Type))
	}
	switch ev.Type {
	case models.AgentEventRunStarted, models.AgentEventRunFinished, models.AgentEventRunError, models.AgentEventRunCancelled, models.AgentEventRunTimedOut:
		metrics.RecordRunAttempt(strings.TrimPrefix(string(ev.Type), "run."))
		observability.EmitRunAttempt(&observability.RunAttemptEvent{RunID: ev.RunID, Attempt: ev.TurnIndex})
	}
	slog.Info("agent event", attrs...)
}

// resolveProvider picks a provider from the first credential found, in the
// order Anthropic, OpenAI, OpenRouter, Gemini — the latter two served through
// the OpenAI-compatible adapter per providers.OpenAIConfig's BaseURL seam.
// resolveProvider builds the llm.Provider named by cfg.LLM.DefaultProvider,
// credentials and model/max-tokens overrides already folded in by
// config.Load's applyEnvOverrides pass (ANTHROPIC_API_KEY et al.).
func resolveProvider(cfg *config.Config) (llm.Provider, error) {
	name := cfg.LLM.DefaultProvider
	if name == "" {
		return nil, fmt.Errorf("no provider credentials found: set ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY, GEMINI_API_KEY, or enable llm.bedrock in the config file")
	}
	return newNamedProvider(context.Background(), cfg, name)
}

func newNamedProvider(ctx context.Context, cfg *config.Config, name string) (llm.Provider, error) {
	if name == "bedrock" {
		b := cfg.LLM.Bedrock
		if !b.Enabled {
			return nil, fmt.Errorf("llm provider %q is not enabled (llm.bedrock.enabled is false)", name)
		}
		return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:       b.Region,
			DefaultModel: cfg.LLM.Providers[name].DefaultModel,
			MaxTokens:    b.DefaultMaxTokens,
		})
	}

	p, ok := cfg.LLM.Providers[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q has no matching entry under llm.providers", name)
	}
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: p.APIKey, DefaultModel: p.DefaultModel, MaxTokens: p.MaxTokens})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{Name: "openai", APIKey: p.APIKey, BaseURL: p.BaseURL, DefaultModel: p.DefaultModel, MaxTokens: p.MaxTokens})
	case "openrouter":
		baseURL := p.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{Name: "openrouter", APIKey: p.APIKey, BaseURL: baseURL, DefaultModel: p.DefaultModel, MaxTokens: p.MaxTokens})
	case "gemini":
		return providers.NewGoogleProvider(ctx, providers.GoogleConfig{APIKey: p.APIKey, DefaultModel: p.DefaultModel})
	default:
		return providers.NewOpenAIProvider(providers.OpenAIConfig{Name: name, APIKey: p.APIKey, BaseURL: p.BaseURL, DefaultModel: p.DefaultModel, MaxTokens: p.MaxTokens})
	}
}

func isTruthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}

func watchSignals(ctx context.Context, mgr *interrupt.Manager) {
	<-ctx.Done()
	mgr.Interrupt(interrupt.ReasonUserInterrupt)
}

// reportOutcome prints the run's final response (or error) and returns an
// *exitError carrying the exit code spec §6 documents for each OutcomeKind.
func reportOutcome(cmd *cobra.Command, outcome *models.ExecutionOutcome) error {
	out := cmd.OutOrStdout()
	switch outcome.Kind {
	case models.OutcomeSuccess:
		fmt.Fprintln(out, outcome.LastResponse)
		return nil
	case models.OutcomeNeedsUserInput:
		fmt.Fprintln(out, outcome.LastResponse)
		return nil
	case models.OutcomeInterrupted, models.OutcomeUserCancelled:
		return &exitError{code: 130, err: fmt.Errorf("interrupted")}
	case models.OutcomeFailed:
		msg := "run failed"
		if outcome.Error != nil {
			msg = outcome.Error.Error()
		}
		return &exitError{code: 1, err: fmt.Errorf("%s", msg)}
	case models.OutcomeMaxStepsReached:
		return &exitError{code: 1, err: fmt.Errorf("max steps reached without completion")}
	default:
		return &exitError{code: 1, err: fmt.Errorf("unrecognized outcome %q", outcome.Kind)}
	}
}

// exitError carries a specific process exit code through cobra's RunE
// contract, which only sees a plain error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitCodeForError(err error) int {
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return 1
}
