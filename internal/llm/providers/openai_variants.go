package providers

import (
	"fmt"

	"github.com/sagerun/sage/internal/llm"
)

// NewAzureOpenAIProvider builds an OpenAIProvider pointed at an Azure OpenAI
// resource. Azure differs from stock OpenAI only in base URL shape
// (https://{resource}.openai.azure.com/openai/deployments/{deployment}) and
// the required api-version query parameter; the wire payload is identical,
// so no separate client type is needed.
func NewAzureOpenAIProvider(resourceEndpoint, deployment, apiVersion, apiKey string) (*OpenAIProvider, error) {
	if resourceEndpoint == "" || deployment == "" {
		return nil, fmt.Errorf("azure openai: endpoint and deployment are required")
	}
	if apiVersion == "" {
		apiVersion = "2024-02-15-preview"
	}
	baseURL := fmt.Sprintf("%s/openai/deployments/%s?api-version=%s", resourceEndpoint, deployment, apiVersion)

	p, err := NewOpenAIProvider(OpenAIConfig{
		Name:         "azure-openai",
		APIKey:       apiKey,
		BaseURL:      baseURL,
		DefaultModel: deployment,
	})
	if err != nil {
		return nil, err
	}
	return p.WithModelCatalog([]llm.ModelInfo{
		{ID: deployment, Provider: "azure-openai", MaxContext: 128000, SupportsTool: true},
	}), nil
}

// NewOpenRouterProvider builds an OpenAIProvider pointed at OpenRouter, which
// multiplexes many upstream providers behind one OpenAI-compatible endpoint
// using "provider/model" IDs (e.g. "anthropic/claude-3-opus").
func NewOpenRouterProvider(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if defaultModel == "" {
		defaultModel = "openai/gpt-4o"
	}
	p, err := NewOpenAIProvider(OpenAIConfig{
		Name:         "openrouter",
		APIKey:       apiKey,
		BaseURL:      "https://openrouter.ai/api/v1",
		DefaultModel: defaultModel,
	})
	if err != nil {
		return nil, err
	}
	return p.WithModelCatalog([]llm.ModelInfo{
		{ID: "openai/gpt-4o", Provider: "openrouter", MaxContext: 128000, SupportsTool: true},
		{ID: "anthropic/claude-3-opus", Provider: "openrouter", MaxContext: 200000, SupportsTool: true},
		{ID: "google/gemini-pro-1.5", Provider: "openrouter", MaxContext: 1000000, SupportsTool: true},
	}), nil
}

// NewOllamaProvider builds an OpenAIProvider pointed at a local Ollama
// instance's OpenAI-compatible endpoint, which needs no API key.
func NewOllamaProvider(baseURL, defaultModel string) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	if defaultModel == "" {
		defaultModel = "llama3.3"
	}
	p, err := NewOpenAIProvider(OpenAIConfig{
		Name:         "ollama",
		APIKey:       "ollama", // Ollama ignores the key but go-openai requires a non-empty one
		BaseURL:      baseURL,
		DefaultModel: defaultModel,
	})
	if err != nil {
		return nil, err
	}
	return p.WithModelCatalog([]llm.ModelInfo{
		{ID: defaultModel, Provider: "ollama", MaxContext: 131072, SupportsTool: true},
	}), nil
}
