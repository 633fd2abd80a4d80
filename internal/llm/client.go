// Package llm provides the LLM clients used to draft operator replies.
package llm

import (
	"context"
	"fmt"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Chat roles as the providers name them.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Keys holds the provider API keys.
type Keys struct {
	Anthropic string
	OpenAI    string
}

// NewClient creates the client for the preferred provider, falling back to
// whichever provider has a key. It returns nil and no error when no key is
// configured at all.
func NewClient(preferred Provider, keys Keys) (Client, error) {
	switch {
	case preferred == ProviderOpenAI && keys.OpenAI != "":
		return NewOpenAIClient(keys.OpenAI)
	case preferred == ProviderAnthropic && keys.Anthropic != "":
		return NewAnthropicClient(keys.Anthropic)
	case keys.Anthropic != "":
		return NewAnthropicClient(keys.Anthropic)
	case keys.OpenAI != "":
		return NewOpenAIClient(keys.OpenAI)
	case preferred != "" && preferred != ProviderAnthropic && preferred != ProviderOpenAI:
		return nil, fmt.Errorf("unknown LLM provider %q", preferred)
	default:
		return nil, nil
	}
}
