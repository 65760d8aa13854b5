package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/pkg/models"
)

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
}

// GoogleProvider implements llm.Provider against Gemini's GenerateContent /
// GenerateContentStream API.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGoogleProvider builds a provider from config.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}

	return &GoogleProvider{client: client, defaultModel: cfg.DefaultModel}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Models() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "gemini-2.0-flash", Provider: "google", MaxContext: 1000000, SupportsTool: true},
		{ID: "gemini-1.5-pro", Provider: "google", MaxContext: 2000000, SupportsTool: true},
		{ID: "gemini-1.5-flash", Provider: "google", MaxContext: 1000000, SupportsTool: true},
	}
}

func (p *GoogleProvider) buildConfig(messages []models.LlmMessage, tools []llm.ToolSchema) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	var system string
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		}
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(tools) > 0 {
		cfg.Tools = p.convertTools(tools)
	}
	return cfg
}

// Chat performs a non-streaming completion by draining the stream iterator.
func (p *GoogleProvider) Chat(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (*models.LlmResponse, error) {
	contents, err := p.convertMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}

	resp := &models.LlmResponse{Provider: "google", Model: p.defaultModel, FinishReason: models.FinishStop}
	var text string

	for chunk, err := range p.client.Models.GenerateContentStream(ctx, p.defaultModel, contents, p.buildConfig(messages, tools)) {
		if err != nil {
			return nil, fmt.Errorf("google: %w", err)
		}
		if chunk == nil {
			continue
		}
		for _, candidate := range chunk.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					text += part.Text
				}
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
						ID:    part.FunctionCall.Name,
						Name:  part.FunctionCall.Name,
						Input: args,
					})
				}
			}
		}
	}

	resp.Content = text
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = models.FinishToolCalls
	}
	return resp, nil
}

// ChatStream streams incremental text/tool-call chunks from Gemini's
// iter.Seq2-based streaming API.
func (p *GoogleProvider) ChatStream(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (<-chan models.LlmResponseChunk, error) {
	contents, err := p.convertMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}

	out := make(chan models.LlmResponseChunk)
	go func() {
		defer close(out)
		send := func(c models.LlmResponseChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for chunk, err := range p.client.Models.GenerateContentStream(ctx, p.defaultModel, contents, p.buildConfig(messages, tools)) {
			if err != nil {
				send(models.LlmResponseChunk{Kind: models.ChunkKindError, Err: fmt.Errorf("google: %w", err)})
				return
			}
			if chunk == nil {
				continue
			}
			for _, candidate := range chunk.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						if !send(models.LlmResponseChunk{Kind: models.ChunkKindTextDelta, TextDelta: part.Text}) {
							return
						}
					}
					if part.FunctionCall != nil {
						args, _ := json.Marshal(part.FunctionCall.Args)
						tc := models.ToolCall{ID: part.FunctionCall.Name, Name: part.FunctionCall.Name, Input: args}
						if !send(models.LlmResponseChunk{Kind: models.ChunkKindToolCall, ToolCall: &tc}) {
							return
						}
					}
				}
			}
		}
		send(models.LlmResponseChunk{Kind: models.ChunkKindDone, FinishReason: models.FinishStop})
	}()

	return out, nil
}

func (p *GoogleProvider) convertMessages(messages []models.LlmMessage) ([]*genai.Content, error) {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		if msg.Role == models.RoleTool {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     msg.Name,
					Response: map[string]any{"result": msg.Content},
				},
			})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		if len(content.Parts) == 0 {
			continue
		}
		result = append(result, content)
	}
	return result, nil
}

func (p *GoogleProvider) convertTools(tools []llm.ToolSchema) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToGenai(t.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// schemaToGenai does a best-effort conversion of a JSON-Schema-shaped map
// into genai's typed Schema, covering the object/property shape tool
// definitions use in practice.
func schemaToGenai(schema map[string]any) *genai.Schema {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out genai.Schema
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}
