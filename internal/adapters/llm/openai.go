package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

// OpenAIProvider implements LLM provider using OpenAI-compatible API
// Works with: OpenAI, Azure OpenAI, Together AI, local Ollama /v1, etc.
type OpenAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	retry   RetryConfig
}

// NewOpenAIProvider creates a new OpenAI-compatible provider
func NewOpenAIProvider(baseURL, apiKey, model string, timeout time.Duration, retry RetryConfig) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAIProvider{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		retry:   retry,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    float64              `json:"temperature"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete calls the chat completions API, retrying transient failures
func (p *OpenAIProvider) Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	payload := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var out domain.Completion
	err = withRetry(ctx, p.retry, func() error {
		var callErr error
		out, callErr = p.call(ctx, payloadBytes)
		return callErr
	})
	return out, err
}

func (p *OpenAIProvider) call(ctx context.Context, payload []byte) (domain.Completion, error) {
	url := fmt.Sprintf("%s/chat/completions", p.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.Completion{}, NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Completion{}, ctx.Err()
		}
		return domain.Completion{}, NewTransientError(fmt.Errorf("failed to call API: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.Completion{}, statusError("openai", resp.StatusCode, string(body))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.Completion{}, NewFatalError(fmt.Errorf("failed to decode response: %w", err))
	}

	if len(result.Choices) == 0 {
		return domain.Completion{}, NewFatalError(fmt.Errorf("no choices in response"))
	}

	return domain.Completion{
		Content:      result.Choices[0].Message.Content,
		Model:        result.Model,
		PromptTokens: result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
	}, nil
}
