package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider. BaseURL lets the same adapter
// serve any OpenAI-compatible wire format (Azure OpenAI, OpenRouter, Ollama,
// a GitHub Copilot proxy, Venice) by pointing at a different endpoint — those
// providers differ from stock OpenAI only in base URL and auth header, not
// in request/response shape.
type OpenAIConfig struct {
	Name         string // provider identity for logging/fallback keys; defaults to "openai"
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// OpenAIProvider implements llm.Provider against the OpenAI chat-completions
// wire format.
type OpenAIProvider struct {
	name         string
	client       *openai.Client
	defaultModel string
	maxTokens    int
	models       []llm.ModelInfo
}

// NewOpenAIProvider builds a provider from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		name:         cfg.Name,
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		models:       defaultOpenAICatalog(),
	}, nil
}

func defaultOpenAICatalog() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "gpt-4o", Provider: "openai", MaxContext: 128000, SupportsTool: true},
		{ID: "gpt-4-turbo", Provider: "openai", MaxContext: 128000, SupportsTool: true},
		{ID: "gpt-4", Provider: "openai", MaxContext: 8192, SupportsTool: true},
		{ID: "gpt-3.5-turbo", Provider: "openai", MaxContext: 16385, SupportsTool: true},
	}
}

// WithModelCatalog overrides the advertised model list, used by variant
// adapters (Azure deployments, OpenRouter's much larger catalog) that serve
// a different set of model IDs over the same wire format.
func (p *OpenAIProvider) WithModelCatalog(models []llm.ModelInfo) *OpenAIProvider {
	p.models = models
	return p
}

func (p *OpenAIProvider) Name() string            { return p.name }
func (p *OpenAIProvider) Models() []llm.ModelInfo { return p.models }

func (p *OpenAIProvider) buildRequest(messages []models.LlmMessage, tools []llm.ToolSchema, stream bool) (openai.ChatCompletionRequest, error) {
	msgs, err := p.convertMessages(messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	req := openai.ChatCompletionRequest{
		Model:     p.defaultModel,
		Messages:  msgs,
		MaxTokens: p.maxTokens,
		Stream:    stream,
	}
	if len(tools) > 0 {
		req.Tools = p.convertTools(tools)
	}
	return req, nil
}

// Chat performs a non-streaming completion.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (*models.LlmResponse, error) {
	req, err := p.buildRequest(messages, tools, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", p.name)
	}

	choice := resp.Choices[0]
	out := &models.LlmResponse{
		Content:  choice.Message.Content,
		Provider: p.name,
		Model:    resp.Model,
		Usage: models.Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = models.FinishToolCalls
	} else {
		out.FinishReason = mapFinishReason(string(choice.FinishReason))
	}
	return out, nil
}

// ChatStream performs a streaming completion, reassembling tool-call
// argument fragments across deltas the way OpenAI's function-calling stream
// requires.
func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (<-chan models.LlmResponseChunk, error) {
	req, err := p.buildRequest(messages, tools, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	out := make(chan models.LlmResponseChunk)
	go p.pump(ctx, stream, out)
	return out, nil
}

func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- models.LlmResponseChunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)

	send := func(c models.LlmResponseChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushToolCalls := func() {
		for _, tc := range toolCalls {
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			cp := *tc
			if !send(models.LlmResponseChunk{Kind: models.ChunkKindToolCall, ToolCall: &cp}) {
				return
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				send(models.LlmResponseChunk{Kind: models.ChunkKindDone, FinishReason: models.FinishStop})
				return
			}
			send(models.LlmResponseChunk{Kind: models.ChunkKindError, Err: fmt.Errorf("%s: %w", p.name, err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !send(models.LlmResponseChunk{Kind: models.ChunkKindTextDelta, TextDelta: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if toolCalls[idx] == nil {
				toolCalls[idx] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Input = json.RawMessage(string(toolCalls[idx].Input) + tc.Function.Arguments)
			}
		}

		if string(choice.FinishReason) == "tool_calls" {
			flushToolCalls()
		}
	}
}

func (p *OpenAIProvider) convertMessages(messages []models.LlmMessage) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{Content: msg.Content}
		switch msg.Role {
		case models.RoleSystem:
			oaiMsg.Role = openai.ChatMessageRoleSystem
		case models.RoleUser:
			oaiMsg.Role = openai.ChatMessageRoleUser
		case models.RoleAssistant:
			oaiMsg.Role = openai.ChatMessageRoleAssistant
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
		case models.RoleTool:
			oaiMsg.Role = openai.ChatMessageRoleTool
			oaiMsg.ToolCallID = msg.ToolCallID
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
		result = append(result, oaiMsg)
	}
	return result, nil
}

func (p *OpenAIProvider) convertTools(tools []llm.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return result
}

func mapFinishReason(r string) models.FinishReason {
	switch r {
	case "length":
		return models.FinishLength
	case "content_filter":
		return models.FinishContent
	case "tool_calls", "function_call":
		return models.FinishToolCalls
	default:
		return models.FinishStop
	}
}
