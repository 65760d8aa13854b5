// Package providers implements llm.Provider wire adapters for concrete LLM
// backends (Anthropic, OpenAI-compatible, Bedrock, Gemini).
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// AnthropicProvider implements llm.Provider against the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicProvider builds a provider from config, erroring if no API key
// is set.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "claude-sonnet-4-20250514", Provider: "anthropic", MaxContext: 200000, SupportsTool: true},
		{ID: "claude-opus-4-20250514", Provider: "anthropic", MaxContext: 200000, SupportsTool: true},
		{ID: "claude-3-5-sonnet-20241022", Provider: "anthropic", MaxContext: 200000, SupportsTool: true},
		{ID: "claude-3-haiku-20240307", Provider: "anthropic", MaxContext: 200000, SupportsTool: true},
	}
}

func (p *AnthropicProvider) model(messages []models.LlmMessage) string {
	return p.defaultModel
}

func (p *AnthropicProvider) buildParams(messages []models.LlmMessage, tools []llm.ToolSchema) (anthropic.MessageNewParams, error) {
	msgs, system, err := p.convertMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(messages)),
		Messages:  msgs,
		MaxTokens: int64(p.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		converted, err := p.convertTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = converted
	}
	return params, nil
}

// Chat performs a non-streaming completion by draining the SSE stream.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (*models.LlmResponse, error) {
	params, err := p.buildParams(messages, tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	resp := &models.LlmResponse{Provider: "anthropic", Model: p.model(messages)}

	var text strings.Builder
	var toolCalls []models.ToolCall
	var currentTool *models.ToolCall
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			resp.Usage.Prompt = int(ms.Message.Usage.InputTokens)
		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			if cb.Type == "tool_use" {
				tu := cb.AsToolUse()
				currentTool = &models.ToolCall{ID: tu.ID, Name: tu.Name}
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				text.WriteString(delta.Text)
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				currentTool.Input = json.RawMessage(currentInput.String())
				toolCalls = append(toolCalls, *currentTool)
				currentTool = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			resp.Usage.Completion = int(md.Usage.OutputTokens)
		case "error":
			return nil, fmt.Errorf("anthropic: stream error")
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	resp.Content = text.String()
	resp.ToolCalls = toolCalls
	if len(toolCalls) > 0 {
		resp.FinishReason = models.FinishToolCalls
	} else {
		resp.FinishReason = models.FinishStop
	}
	return resp, nil
}

// ChatStream streams incremental chunks as the Anthropic API emits SSE events.
func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (<-chan models.LlmResponseChunk, error) {
	params, err := p.buildParams(messages, tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	out := make(chan models.LlmResponseChunk)
	stream := p.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(out)
		p.pump(ctx, stream, out)
	}()

	return out, nil
}

func (p *AnthropicProvider) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- models.LlmResponseChunk) {
	var currentTool *models.ToolCall
	var currentInput strings.Builder
	var inputTokens, outputTokens int

	send := func(c models.LlmResponseChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			inputTokens = int(ms.Message.Usage.InputTokens)
		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			if cb.Type == "tool_use" {
				tu := cb.AsToolUse()
				currentTool = &models.ToolCall{ID: tu.ID, Name: tu.Name}
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				if !send(models.LlmResponseChunk{Kind: models.ChunkKindTextDelta, TextDelta: delta.Text}) {
					return
				}
			}
			if delta.Type == "input_json_delta" {
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				currentTool.Input = json.RawMessage(currentInput.String())
				tc := *currentTool
				if !send(models.LlmResponseChunk{Kind: models.ChunkKindToolCall, ToolCall: &tc}) {
					return
				}
				currentTool = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			outputTokens = int(md.Usage.OutputTokens)
		case "message_stop":
			send(models.LlmResponseChunk{
				Kind:         models.ChunkKindDone,
				Usage:        &models.Usage{Prompt: inputTokens, Completion: outputTokens},
				FinishReason: models.FinishStop,
			})
			return
		case "error":
			send(models.LlmResponseChunk{Kind: models.ChunkKindError, Err: fmt.Errorf("anthropic: stream error")})
			return
		}
	}
	if err := stream.Err(); err != nil {
		send(models.LlmResponseChunk{Kind: models.ChunkKindError, Err: fmt.Errorf("anthropic: %w", err)})
	}
}

func (p *AnthropicProvider) convertMessages(messages []models.LlmMessage) ([]anthropic.MessageParam, string, error) {
	var result []anthropic.MessageParam
	var system string

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, "", fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, system, nil
}

func (p *AnthropicProvider) convertTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}
