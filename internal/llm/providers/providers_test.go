package providers

import (
	"context"
	"testing"
)

func TestNewAnthropicProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error when APIKey is empty")
	}
}

func TestNewAnthropicProvider_Defaults(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}
	if len(p.Models()) == 0 {
		t.Error("expected a non-empty model catalog")
	}
}

func TestNewOpenAIProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error when APIKey is empty")
	}
}

func TestNewOpenAIProvider_Defaults(t *testing.T) {
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}
}

func TestNewOpenRouterProvider_UsesOpenAIWireFormat(t *testing.T) {
	p, err := NewOpenRouterProvider("key", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openrouter" {
		t.Errorf("Name() = %q, want openrouter", p.Name())
	}
	if p.defaultModel != "openai/gpt-4o" {
		t.Errorf("defaultModel = %q, want openai/gpt-4o default", p.defaultModel)
	}
}

func TestNewAzureOpenAIProvider_RequiresEndpointAndDeployment(t *testing.T) {
	if _, err := NewAzureOpenAIProvider("", "gpt-4o", "", "key"); err == nil {
		t.Fatal("expected error when endpoint is empty")
	}
}

func TestNewOllamaProvider_DefaultsToLocalhost(t *testing.T) {
	p, err := NewOllamaProvider("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Name() = %q, want ollama", p.Name())
	}
}

func TestNewGoogleProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewGoogleProvider(context.Background(), GoogleConfig{}); err == nil {
		t.Fatal("expected error when APIKey is empty")
	}
}
