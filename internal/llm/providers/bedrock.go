package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/sagerun/sage/internal/llm"
	"github.com/sagerun/sage/pkg/models"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxTokens       int
}

// BedrockProvider implements llm.Provider against AWS Bedrock's Converse /
// ConverseStream API, which presents a single unified wire format across
// every foundation model Bedrock hosts (Anthropic, Titan, Llama, ...).
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxTokens    int
}

// NewBedrockProvider builds a provider, resolving AWS credentials via the
// default chain unless explicit keys are supplied.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Models() []llm.ModelInfo {
	return []llm.ModelInfo{
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Provider: "bedrock", MaxContext: 200000, SupportsTool: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Provider: "bedrock", MaxContext: 200000, SupportsTool: true},
		{ID: "meta.llama3-1-70b-instruct-v1:0", Provider: "bedrock", MaxContext: 128000, SupportsTool: false},
		{ID: "amazon.titan-text-premier-v1:0", Provider: "bedrock", MaxContext: 32000, SupportsTool: false},
	}
}

func (p *BedrockProvider) buildInput(messages []models.LlmMessage, tools []llm.ToolSchema) (*bedrockruntime.ConverseStreamInput, error) {
	msgs, system, err := p.convertMessages(messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(p.defaultModel),
		Messages:        msgs,
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(p.maxTokens))},
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if len(tools) > 0 {
		input.ToolConfig = p.convertTools(tools)
	}
	return input, nil
}

// Chat performs a non-streaming completion by draining ConverseStream.
func (p *BedrockProvider) Chat(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (*models.LlmResponse, error) {
	input, err := p.buildInput(messages, tools)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	resp := &models.LlmResponse{Provider: "bedrock", Model: p.defaultModel, FinishReason: models.FinishStop}
	var text, toolInput strings.Builder
	var currentTool *models.ToolCall

	stream := out.GetStream()
	defer stream.Close()
	for event := range stream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				currentTool = &models.ToolCall{ID: aws.ToString(tu.Value.ToolUseId), Name: aws.ToString(tu.Value.Name)}
				toolInput.Reset()
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				text.WriteString(delta.Value)
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					toolInput.WriteString(*delta.Value.Input)
				}
			}
		case *types.ConverseStreamOutputMemberContentBlockStop:
			if currentTool != nil {
				currentTool.Input = json.RawMessage(toolInput.String())
				resp.ToolCalls = append(resp.ToolCalls, *currentTool)
				currentTool = nil
			}
		case *types.ConverseStreamOutputMemberMessageStop:
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	resp.Content = text.String()
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = models.FinishToolCalls
	}
	return resp, nil
}

// ChatStream streams incremental chunks from ConverseStream.
func (p *BedrockProvider) ChatStream(ctx context.Context, messages []models.LlmMessage, tools []llm.ToolSchema) (<-chan models.LlmResponseChunk, error) {
	input, err := p.buildInput(messages, tools)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	awsOut, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	out := make(chan models.LlmResponseChunk)
	go p.pump(ctx, awsOut, out)
	return out, nil
}

func (p *BedrockProvider) pump(ctx context.Context, awsOut *bedrockruntime.ConverseStreamOutput, out chan<- models.LlmResponseChunk) {
	defer close(out)
	stream := awsOut.GetStream()
	defer stream.Close()

	var currentTool *models.ToolCall
	var toolInput strings.Builder

	send := func(c models.LlmResponseChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for event := range stream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				currentTool = &models.ToolCall{ID: aws.ToString(tu.Value.ToolUseId), Name: aws.ToString(tu.Value.Name)}
				toolInput.Reset()
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" && !send(models.LlmResponseChunk{Kind: models.ChunkKindTextDelta, TextDelta: delta.Value}) {
					return
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					toolInput.WriteString(*delta.Value.Input)
				}
			}
		case *types.ConverseStreamOutputMemberContentBlockStop:
			if currentTool != nil {
				currentTool.Input = json.RawMessage(toolInput.String())
				tc := *currentTool
				if !send(models.LlmResponseChunk{Kind: models.ChunkKindToolCall, ToolCall: &tc}) {
					return
				}
				currentTool = nil
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			send(models.LlmResponseChunk{Kind: models.ChunkKindDone, FinishReason: models.FinishStop})
			return
		}
	}
	if err := stream.Err(); err != nil {
		send(models.LlmResponseChunk{Kind: models.ChunkKindError, Err: fmt.Errorf("bedrock: %w", err)})
	}
}

func (p *BedrockProvider) convertMessages(messages []models.LlmMessage) ([]types.Message, string, error) {
	result := make([]types.Message, 0, len(messages))
	var system string

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}

		var blocks []types.ContentBlock
		if msg.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
		}
		if msg.Role == models.RoleTool {
			blocks = append(blocks, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Content}},
				},
			})
		}
		for _, tc := range msg.ToolCalls {
			var input document.Interface
			if len(tc.Input) > 0 {
				var raw map[string]any
				if err := json.Unmarshal(tc.Input, &raw); err != nil {
					return nil, "", fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
				input = document.NewLazyDocument(raw)
			}
			blocks = append(blocks, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{ToolUseId: aws.String(tc.ID), Name: aws.String(tc.Name), Input: input},
			})
		}
		if len(blocks) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: blocks})
	}
	return result, system, nil
}

func (p *BedrockProvider) convertTools(tools []llm.ToolSchema) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			continue
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(json.RawMessage(raw))},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}
