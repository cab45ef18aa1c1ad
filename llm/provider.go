package llm

import (
	"context"
	"fmt"
)

// Provider is the interface for LLM interactions.
type Provider interface {
	// Complete sends a completion request and returns the model output.
	Complete(ctx context.Context, req CompleteRequest) (string, error)

	// Embed generates dense embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteRequest is a completion request. History carries prior turns;
// the prompt becomes the final user message.
type CompleteRequest struct {
	Prompt      string    `json:"prompt"`
	System      string    `json:"system,omitempty"`
	History     []Message `json:"history,omitempty"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
	// Stream switches to the streaming endpoint with a per-chunk idle
	// timeout instead of a whole-request deadline.
	Stream bool `json:"stream,omitempty"`
}

// Config configures an LLM provider.
type Config struct {
	Provider       string `json:"provider" yaml:"provider"` // openai, ollama, custom
	Model          string `json:"model" yaml:"model"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"`

	// StreamIdleTimeoutMS is the per-chunk idle timeout for streaming
	// completions, in milliseconds. Zero uses the default (30s).
	StreamIdleTimeoutMS int `json:"stream_idle_timeout_ms" yaml:"stream_idle_timeout_ms"`
}

// NewProvider creates an LLM provider from configuration. Every supported
// provider speaks the OpenAI wire format; the name selects base-URL
// conventions.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com"
		}
		return newOpenAICompat(cfg), nil
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
		return newOpenAICompat(cfg), nil
	case "custom":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm: custom provider requires base_url")
		}
		return newOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
