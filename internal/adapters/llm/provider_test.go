package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}
}

var sampleRequest = domain.CompletionRequest{
	Messages: []domain.ChatMessage{
		{Role: domain.ChatRoleSystem, Content: "triage"},
		{Role: domain.ChatRoleUser, Content: "cannot log in"},
	},
	Temperature: 0.2,
	MaxTokens:   128,
	JSONMode:    true,
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"gpt-4o","choices":[{"message":{"content":"{\"category\":\"SIMPLE\"}"}}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1/", "sk-test", "gpt-4o", time.Second, fastRetry(3))
	out, err := p.Complete(context.Background(), sampleRequest)

	require.NoError(t, err)
	assert.Equal(t, `{"category":"SIMPLE"}`, out.Content)
	assert.Equal(t, 12, out.PromptTokens)
	assert.Equal(t, 5, out.OutputTokens)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, 128, got.MaxTokens)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, "openai", p.Name())
}

func TestOpenAIProvider_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	out, err := NewOpenAIProvider(srv.URL, "", "", time.Second, fastRetry(3)).Complete(context.Background(), sampleRequest)

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOpenAIProvider_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "", "", time.Second, fastRetry(2)).Complete(context.Background(), sampleRequest)

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "status 429")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOpenAIProvider_FatalStatusNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "", "", time.Second, fastRetry(5)).Complete(context.Background(), sampleRequest)

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "bad model")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "", "", time.Second, fastRetry(3)).Complete(context.Background(), sampleRequest)
	assert.True(t, IsFatal(err))
}

func TestOllamaProvider_Complete(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"model":"llama3.1","message":{"content":"hello"},"done":true,"prompt_eval_count":7,"eval_count":3}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "", time.Second, fastRetry(1))
	out, err := p.Complete(context.Background(), sampleRequest)

	require.NoError(t, err)
	assert.Equal(t, "hello", out.Content)
	assert.Equal(t, 7, out.PromptTokens)
	assert.Equal(t, "llama3.1", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, "json", got.Format)
	assert.Equal(t, 0.2, got.Options["temperature"])
	assert.Equal(t, 128.0, got.Options["num_predict"])
	assert.Equal(t, "ollama", p.Name())
}

func TestOllamaProvider_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer func() {
		close(release)
		srv.CloseClientConnections()
		srv.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewOllamaProvider(srv.URL, "m", 5*time.Second, fastRetry(3)).Complete(ctx, sampleRequest)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStatusError(t *testing.T) {
	assert.True(t, IsTransient(statusError("x", 500, "")))
	assert.True(t, IsTransient(statusError("x", 408, "")))
	assert.True(t, IsFatal(statusError("x", 401, "")))
	assert.False(t, IsTransient(errors.New("plain")))
}
