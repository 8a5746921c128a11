// Package llm provides the model provider adapters MobileClaw consumes: raw
// chat providers (Anthropic, OpenAI-compatible) plus the planner and grounder
// built on top of them. Providers are opaque request/response capabilities
// with their own failure domain; transport failures surface as
// ProviderUnavailable.
package llm

import (
	"context"
	"io"
	"net/http"
	"time"
)

const (
	// MaxErrorBodySize limits how much error response body is read.
	MaxErrorBodySize = 1 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider defines the interface for model providers.
type Provider interface {
	// Chat sends a conversation and returns the completion.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured.
	Available() bool
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model to use (provider-specific).
	Model string `json:"model"`

	// SystemPrompt sets the model's behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`
}

// Message represents a conversation message. Images carry base64-encoded PNG
// screenshots attached to the message for multimodal grounding calls.
type Message struct {
	Role    string   `json:"role"` // "user", "assistant", "system"
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatResponse contains the model's response.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	TokensUsed       int           `json:"tokens_used,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

// ProviderConfig contains configuration for one provider.
type ProviderConfig struct {
	// Name identifies the provider (anthropic, openai).
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// Model is the default model to use.
	Model string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout for API calls.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a provider.
func DefaultConfig(name string) *ProviderConfig {
	switch name {
	case "openai":
		return &ProviderConfig{
			Name:        "openai",
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
		}
	case "anthropic":
		return &ProviderConfig{
			Name:        "anthropic",
			Endpoint:    "https://api.anthropic.com",
			Model:       "claude-3-5-sonnet-20241022",
			MaxTokens:   4096,
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
		}
	default:
		return &ProviderConfig{
			Name:        name,
			MaxTokens:   4096,
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
		}
	}
}

// baseProvider provides common functionality for HTTP-based providers.
type baseProvider struct {
	config *ProviderConfig
	client *http.Client
}

// newBaseProvider creates a new base provider with defaults applied.
func newBaseProvider(cfg *ProviderConfig, providerName string) baseProvider {
	if cfg == nil {
		cfg = DefaultConfig(providerName)
	}

	defaults := DefaultConfig(providerName)
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	cfg.Name = providerName

	return baseProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Name
}

// Available checks if the API key is configured.
func (b *baseProvider) Available() bool {
	return b.config.APIKey != ""
}
