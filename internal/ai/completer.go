// Package ai provides the single text-completion capability used by the
// build pipeline and the contract orchestrator. The concrete provider is
// chosen once from configuration.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"webforge/internal/config"
	"webforge/internal/metrics"
)

// Provider names accepted in AI_PROVIDER.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// CompletionConfig tunes one completion call.
type CompletionConfig struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
}

// Completer turns a prompt into generated text.
type Completer interface {
	Complete(ctx context.Context, prompt string, cfg CompletionConfig) (string, error)
}

// ProviderError is a non-2xx answer from a completion provider.
type ProviderError struct {
	Provider  string
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s request failed with status %d: %s", e.Code, e.Provider, e.Status, e.Message)
}

// IsRetryable reports whether err is a transient provider or transport
// failure. Authentication, quota and malformed-request errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

func providerError(provider string, status int, body []byte) *ProviderError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	pe := &ProviderError{Provider: provider, Status: status, Message: msg}
	switch {
	case status == http.StatusTooManyRequests:
		pe.Code, pe.Retryable = "RATE_LIMIT", true
	case status == http.StatusUnauthorized:
		pe.Code = "UNAUTHORIZED"
	case status == http.StatusForbidden:
		pe.Code = "FORBIDDEN"
	case status == http.StatusPaymentRequired:
		pe.Code = "QUOTA_EXCEEDED"
	case status >= 500 || status == 529:
		pe.Code, pe.Retryable = "SERVICE_ERROR", true
	default:
		pe.Code = "API_ERROR"
	}
	return pe
}

// New builds the configured completer, wrapped with rate limiting and
// metrics.
func New(cfg config.AIConfig) (Completer, error) {
	var (
		inner Completer
		model = cfg.Model
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderClaude, "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the claude provider")
		}
		inner = NewClaudeClient(cfg.AnthropicAPIKey, cfg.RequestTimeout)
		if model == "" {
			model = DefaultClaudeModel
		}
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
		}
		inner = NewOpenAIClient(ProviderOpenAI, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.RequestTimeout)
		if model == "" {
			model = DefaultOpenAIModel
		}
	case ProviderOllama:
		inner = NewOpenAIClient(ProviderOllama, strings.TrimRight(cfg.OllamaURL, "/")+"/v1", "", cfg.RequestTimeout)
		if model == "" {
			model = DefaultOllamaModel
		}
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}

	return NewLimited(inner, cfg.Provider, CompletionConfig{
		Model:       model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, cfg.RequestsPerMinute), nil
}

// Limited rate-limits and instruments another Completer and fills in
// default settings.
type Limited struct {
	inner    Completer
	provider string
	defaults CompletionConfig
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
}

// NewLimited wraps inner. perMinute <= 0 disables limiting.
func NewLimited(inner Completer, provider string, defaults CompletionConfig, perMinute int) *Limited {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), max(1, perMinute/10))
	}
	return &Limited{
		inner:    inner,
		provider: provider,
		defaults: defaults,
		limiter:  limiter,
		metrics:  metrics.Get(),
	}
}

func (l *Limited) Complete(ctx context.Context, prompt string, cfg CompletionConfig) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if cfg.Model == "" {
		cfg.Model = l.defaults.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = l.defaults.MaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = l.defaults.Temperature
	}

	started := time.Now()
	out, err := l.inner.Complete(ctx, prompt, cfg)
	l.metrics.RecordAIRequest(l.provider, cfg.Model, err, time.Since(started))
	return out, err
}
