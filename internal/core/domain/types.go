package domain

import "context"

// ChatRole identifies the author of a prompt message
type ChatRole string

const (
	ChatRoleSystem ChatRole = "system"
	ChatRoleUser   ChatRole = "user"
)

// ChatMessage is a single prompt message sent to an LLM provider
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// CompletionRequest describes one LLM call.
// Model may be empty, in which case the provider default is used.
type CompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	JSONMode    bool          `json:"json_mode,omitempty"`
}

// Completion is the provider answer to a CompletionRequest
type Completion struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	PromptTokens int    `json:"prompt_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// LLMProvider abstracts the text-generation backend
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	Name() string
}
