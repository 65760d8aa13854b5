package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagerun/sage/internal/backoff"
	"github.com/sagerun/sage/internal/infra"
	"github.com/sagerun/sage/internal/ratelimit"
	"github.com/sagerun/sage/pkg/models"
)

type fakeProvider struct {
	name      string
	models    []ModelInfo
	chatFn    func(ctx context.Context, messages []models.LlmMessage, tools []ToolSchema) (*models.LlmResponse, error)
	streamFn  func(ctx context.Context, messages []models.LlmMessage, tools []ToolSchema) (<-chan models.LlmResponseChunk, error)
	callCount int32
}

func (f *fakeProvider) Chat(ctx context.Context, messages []models.LlmMessage, tools []ToolSchema) (*models.LlmResponse, error) {
	atomic.AddInt32(&f.callCount, 1)
	return f.chatFn(ctx, messages, tools)
}

func (f *fakeProvider) ChatStream(ctx context.Context, messages []models.LlmMessage, tools []ToolSchema) (<-chan models.LlmResponseChunk, error) {
	return f.streamFn(ctx, messages, tools)
}

func (f *fakeProvider) Name() string        { return f.name }
func (f *fakeProvider) Models() []ModelInfo { return f.models }

func testConfig() OrchestratorConfig {
	return OrchestratorConfig{
		RateLimit:      ratelimit.Config{Enabled: false},
		CircuitBreaker: infra.CircuitBreakerConfig{FailureThreshold: 5, Timeout: time.Minute},
		MaxAttempts:    3,
		BackoffPolicy:  backoff.BackoffPolicy{InitialMs: 1, MaxMs: 5, Factor: 2, Jitter: 0},
	}
}

func TestOrchestrator_ChatSucceedsFirstTry(t *testing.T) {
	p := &fakeProvider{name: "p1", chatFn: func(ctx context.Context, m []models.LlmMessage, tl []ToolSchema) (*models.LlmResponse, error) {
		return &models.LlmResponse{Content: "hi", FinishReason: models.FinishStop}, nil
	}}
	o := NewOrchestrator(p, testConfig())

	resp, err := o.Chat(context.Background(), []models.LlmMessage{{Role: models.RoleUser, Content: "hello"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q, want %q", resp.Content, "hi")
	}
	if p.callCount != 1 {
		t.Errorf("callCount = %d, want 1", p.callCount)
	}
}

func TestOrchestrator_ChatRetriesOnTransientError(t *testing.T) {
	attempts := 0
	p := &fakeProvider{name: "p1", chatFn: func(ctx context.Context, m []models.LlmMessage, tl []ToolSchema) (*models.LlmResponse, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("503 service unavailable")
		}
		return &models.LlmResponse{Content: "ok"}, nil
	}}
	o := NewOrchestrator(p, testConfig())

	resp, err := o.Chat(context.Background(), []models.LlmMessage{{Role: models.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestOrchestrator_ChatExhaustsRetries(t *testing.T) {
	p := &fakeProvider{name: "p1", chatFn: func(ctx context.Context, m []models.LlmMessage, tl []ToolSchema) (*models.LlmResponse, error) {
		return nil, errors.New("500 internal server error")
	}}
	o := NewOrchestrator(p, testConfig())

	_, err := o.Chat(context.Background(), []models.LlmMessage{{Role: models.RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if p.callCount != 3 {
		t.Errorf("callCount = %d, want 3 (MaxAttempts)", p.callCount)
	}
}

func TestOrchestrator_WithFallbackSwitchesProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", chatFn: func(ctx context.Context, m []models.LlmMessage, tl []ToolSchema) (*models.LlmResponse, error) {
		return nil, errors.New("429 rate limited")
	}}
	secondary := &fakeProvider{name: "secondary", chatFn: func(ctx context.Context, m []models.LlmMessage, tl []ToolSchema) (*models.LlmResponse, error) {
		return &models.LlmResponse{Content: "from secondary"}, nil
	}}

	chain := NewFallbackChain(
		map[string]Provider{"primary": primary, "secondary": secondary},
		[]ModelConfig{
			{ID: "m1", Provider: "primary", Priority: 0, MaxContext: 100000},
			{ID: "m2", Provider: "secondary", Priority: 1, MaxContext: 100000},
		},
	)

	cfg := testConfig()
	cfg.MaxAttempts = 1
	o := NewOrchestratorWithFallback(chain, cfg)

	resp, err := o.Chat(context.Background(), []models.LlmMessage{{Role: models.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q, want %q", resp.Content, "from secondary")
	}
}

func TestOrchestrator_ChatStreamRejectsFallbackChain(t *testing.T) {
	chain := NewFallbackChain(map[string]Provider{}, nil)
	o := NewOrchestratorWithFallback(chain, testConfig())

	_, err := o.ChatStream(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected error for ChatStream on a fallback-chain orchestrator")
	}
}
