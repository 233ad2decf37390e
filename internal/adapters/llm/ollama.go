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

// OllamaProvider implements domain.LLMProvider for a local Ollama instance
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
	retry   RetryConfig
}

func NewOllamaProvider(baseURL, model string, timeout time.Duration, retry RetryConfig) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Format   string               `json:"format,omitempty"`
	Options  map[string]any       `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// Complete calls /api/chat without streaming
func (p *OllamaProvider) Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   false,
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if req.MaxTokens > 0 {
		body.Options["num_predict"] = req.MaxTokens
	}
	if req.JSONMode {
		body.Format = "json"
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var out domain.Completion
	err = withRetry(ctx, p.retry, func() error {
		var callErr error
		out, callErr = p.call(ctx, jsonData)
		return callErr
	})
	return out, err
}

func (p *OllamaProvider) call(ctx context.Context, payload []byte) (domain.Completion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewBuffer(payload))
	if err != nil {
		return domain.Completion{}, NewFatalError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Completion{}, ctx.Err()
		}
		return domain.Completion{}, NewTransientError(fmt.Errorf("ollama connection failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.Completion{}, statusError("ollama", resp.StatusCode, string(b))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return domain.Completion{}, NewFatalError(fmt.Errorf("failed to decode response: %w", err))
	}

	return domain.Completion{
		Content:      chatResp.Message.Content,
		Model:        chatResp.Model,
		PromptTokens: chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
	}, nil
}
