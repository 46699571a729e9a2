package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webforge/internal/config"
)

func TestClaudeClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req claudeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m1", req.Model)
		assert.Equal(t, "be terse", req.System)
		assert.Equal(t, "hello", req.Messages[0].Content)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_1",
			"content": []map[string]string{
				{"type": "text", "text": "hi "},
				{"type": "text", "text": "there"},
			},
		})
	}))
	defer srv.Close()

	c := NewClaudeClient("test-key", time.Second).WithBaseURL(srv.URL)
	out, err := c.Complete(context.Background(), "hello", CompletionConfig{Model: "m1", System: "be terse"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
}

func TestProviderErrorsClassifyRetryable(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusTooManyRequests, "RATE_LIMIT", true},
		{http.StatusServiceUnavailable, "SERVICE_ERROR", true},
		{http.StatusUnauthorized, "UNAUTHORIZED", false},
		{http.StatusPaymentRequired, "QUOTA_EXCEEDED", false},
		{http.StatusBadRequest, "API_ERROR", false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		c := NewOpenAIClient(ProviderOpenAI, srv.URL, "k", time.Second)
		_, err := c.Complete(context.Background(), "x", CompletionConfig{Model: "m"})
		srv.Close()

		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, tt.code, pe.Code)
		assert.Equal(t, tt.retryable, IsRetryable(err))
	}
}

func TestOpenAIClientSendsSystemAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-1", r.Header.Get("Authorization"))
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "ok"}}},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(ProviderOpenAI, srv.URL+"/", "sk-1", time.Second)
	out, err := c.Complete(context.Background(), "x", CompletionConfig{Model: "m", System: "sys"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

type recordingCompleter struct {
	last CompletionConfig
}

func (r *recordingCompleter) Complete(ctx context.Context, prompt string, cfg CompletionConfig) (string, error) {
	r.last = cfg
	return "done", nil
}

func TestLimitedFillsDefaultsAndHonoursContext(t *testing.T) {
	inner := &recordingCompleter{}
	l := NewLimited(inner, "fake", CompletionConfig{Model: "default-model", MaxTokens: 100}, 0)

	out, err := l.Complete(context.Background(), "p", CompletionConfig{Temperature: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, "default-model", inner.last.Model)
	assert.Equal(t, 100, inner.last.MaxTokens)
	assert.Equal(t, 0.5, inner.last.Temperature)

	slow := NewLimited(inner, "fake", CompletionConfig{}, 1)
	_, err = slow.Complete(context.Background(), "p", CompletionConfig{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Complete(ctx, "p", CompletionConfig{})
	assert.Error(t, err)
}

func TestNewSelectsProvider(t *testing.T) {
	_, err := New(config.AIConfig{Provider: "claude"})
	assert.Error(t, err)

	c, err := New(config.AIConfig{Provider: "ollama", OllamaURL: "http://localhost:11434"})
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = New(config.AIConfig{Provider: "mystery"})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(errors.New("connection reset")))
}
