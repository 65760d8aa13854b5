package llm

import (
	"context"
	"fmt"

	"github.com/sagerun/sage/internal/backoff"
	"github.com/sagerun/sage/internal/infra"
	"github.com/sagerun/sage/internal/ratelimit"
	"github.com/sagerun/sage/pkg/models"
)

// OrchestratorConfig tunes the retry/rate-limit/circuit-breaker wrapping an
// Orchestrator applies around a Provider.
type OrchestratorConfig struct {
	RateLimit      ratelimit.Config
	CircuitBreaker infra.CircuitBreakerConfig
	MaxAttempts    int
	BackoffPolicy  backoff.BackoffPolicy
}

// DefaultOrchestratorConfig returns sane defaults: rate limiting enabled at
// 10 req/s burst 20, a 5-failure/30s circuit breaker, and up to 3 attempts
// with the package's default exponential backoff.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		RateLimit:      ratelimit.DefaultConfig(),
		CircuitBreaker: infra.CircuitBreakerConfig{Name: "llm"},
		MaxAttempts:    3,
		BackoffPolicy:  backoff.DefaultPolicy(),
	}
}

// Orchestrator is the LLM Orchestrator (C3): it wraps a Provider (or a
// FallbackChain's Chat method) with the call sequence spec §4.3 requires —
// acquire a rate-limit token, execute inside a circuit breaker, retrying
// with backoff on retryable errors — and normalizes the result into an
// models.LlmResponse.
type Orchestrator struct {
	provider Provider
	chain    *FallbackChain
	limiter  *ratelimit.Limiter
	breaker  *infra.CircuitBreaker
	cache    *ConversationCache
	config   OrchestratorConfig
}

// NewOrchestrator wraps a single Provider.
func NewOrchestrator(provider Provider, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		breaker:  infra.NewCircuitBreaker(cfg.CircuitBreaker),
		cache:    NewConversationCache(),
		config:   cfg,
	}
}

// NewOrchestratorWithFallback wraps a FallbackChain instead of a single
// Provider, so retries that exhaust backoff still have other models to fall
// through to.
func NewOrchestratorWithFallback(chain *FallbackChain, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		chain:   chain,
		limiter: ratelimit.NewLimiter(cfg.RateLimit),
		breaker: infra.NewCircuitBreaker(cfg.CircuitBreaker),
		cache:   NewConversationCache(),
		config:  cfg,
	}
}

// Chat performs the full orchestrated call sequence: rate limit, circuit
// breaker, and bounded retry with exponential backoff over retryable errors.
func (o *Orchestrator) Chat(ctx context.Context, messages []models.LlmMessage, tools []ToolSchema) (*models.LlmResponse, error) {
	if err := o.limiter.Acquire(ctx, "llm"); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	maxAttempts := o.config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	result, err := backoff.RetryWithBackoff(ctx, o.config.BackoffPolicy, maxAttempts,
		func(attempt int) (*models.LlmResponse, error) {
			return infra.ExecuteWithResult(o.breaker, ctx, func(ctx context.Context) (*models.LlmResponse, error) {
				return o.call(ctx, messages, tools)
			})
		})
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

func (o *Orchestrator) call(ctx context.Context, messages []models.LlmMessage, tools []ToolSchema) (*models.LlmResponse, error) {
	if o.chain != nil {
		requiredContext := estimateContextSize(messages)
		return o.chain.Chat(ctx, messages, tools, requiredContext)
	}
	return o.provider.Chat(ctx, messages, tools)
}

// ChatStream acquires a rate-limit token and circuit-breaker permission, then
// delegates to the wrapped Provider's streaming call. Fallback chains do not
// support mid-stream provider switching, so streaming requires a single
// Provider to have been configured via NewOrchestrator.
func (o *Orchestrator) ChatStream(ctx context.Context, messages []models.LlmMessage, tools []ToolSchema) (<-chan models.LlmResponseChunk, error) {
	if o.provider == nil {
		return nil, fmt.Errorf("orchestrator: ChatStream requires a single Provider, not a FallbackChain")
	}
	if err := o.limiter.Acquire(ctx, "llm"); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	if err := o.breaker.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		return nil, err
	}
	return o.provider.ChatStream(ctx, messages, tools)
}

// CircuitState returns the current circuit breaker state for observability.
func (o *Orchestrator) CircuitState() string {
	return o.breaker.State()
}

// Cache exposes the conversation cache for callers that want to consult it
// before building a request (e.g. to attach CacheControl hints).
func (o *Orchestrator) Cache() *ConversationCache {
	return o.cache
}

// estimateContextSize approximates the token footprint of messages using a
// four-characters-per-token heuristic, matching the rough sizing this corpus
// uses elsewhere to avoid a full tokenizer dependency on the hot path.
func estimateContextSize(messages []models.LlmMessage) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}
