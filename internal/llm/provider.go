// Package llm implements the LLM Orchestrator (C3): a uniform chat/stream
// contract in front of per-provider wire adapters, wrapped with rate
// limiting, circuit breaking, retry, fallback, and prompt-cache bookkeeping.
package llm

import (
	"context"

	"github.com/sagerun/sage/pkg/models"
)

// Provider is the core's boundary with LLM wire code. One implementation per
// wire protocol (Anthropic, OpenAI-compatible, Bedrock, Gemini, ...).
type Provider interface {
	// Chat performs a single non-streaming completion.
	Chat(ctx context.Context, messages []models.LlmMessage, tools []ToolSchema) (*models.LlmResponse, error)

	// ChatStream performs a streaming completion, sending incremental chunks
	// on the returned channel. The channel is closed when the stream ends
	// (successfully, on error, or on cancellation); a final chunk of Kind
	// Error carries the failure.
	ChatStream(ctx context.Context, messages []models.LlmMessage, tools []ToolSchema) (<-chan models.LlmResponseChunk, error)

	// Name identifies the provider for logging, metrics, and fallback chain
	// bookkeeping.
	Name() string

	// Models lists the models this provider exposes.
	Models() []ModelInfo
}

// ToolSchema is what the orchestrator hands a Provider to advertise callable
// tools; it mirrors the Tool Orchestrator's registered schema without
// coupling this package to the tool package.
type ToolSchema struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ModelInfo describes one model a Provider can serve.
type ModelInfo struct {
	ID           string
	Provider     string
	MaxContext   int
	SupportsTool bool
}
