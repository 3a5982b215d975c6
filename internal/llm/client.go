// Package llm provides LLM client interfaces and implementations, and the
// completion endpoint conversations talk to.
package llm

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/language-chat/internal/model"
)

// Chat roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

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

	// Models returns available models.
	Models() []string
}

// Completer sends a prepared message list to the completion endpoint. The
// response carries one input token count per request message.
type Completer interface {
	Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error)
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

// RoleFor maps a message sender to a provider chat role.
func RoleFor(sender model.Sender) string {
	switch sender {
	case model.SenderSystem:
		return RoleSystem
	case model.SenderAssistant:
		return RoleAssistant
	default:
		return RoleUser
	}
}
