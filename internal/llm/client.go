package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/stratamem/strata/internal/config"
)

// Error kinds for upstream failures. Callers match with errors.Is to
// decide whether a call is worth retrying.
var (
	ErrRateLimited     = errors.New("llm: rate limited")
	ErrTimeout         = errors.New("llm: timed out")
	ErrInvalidResponse = errors.New("llm: invalid response")
	ErrUnavailable     = errors.New("llm: unavailable")
)

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// NewClient creates an LLM client based on the config provider setting.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-haiku-4-5-20251001"
		}
		return NewAnthropic(cfg.AnthropicKey, model), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model), nil
	case "mock":
		return &MockClient{Response: &Response{Content: "[]", Provider: "mock"}}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

// transportErr classifies a failed round trip.
func transportErr(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return fmt.Errorf("%s api: %v: %w", provider, err, ErrTimeout)
	}
	return fmt.Errorf("%s api: %v: %w", provider, err, ErrUnavailable)
}

// statusErr classifies a non-200 response. 4xx other than rate limits
// are terminal and carry no retryable kind.
func statusErr(provider string, status int, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s api status %d: %s: %w", provider, status, body, ErrRateLimited)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%s api status %d: %s: %w", provider, status, body, ErrTimeout)
	case status >= 500:
		return fmt.Errorf("%s api status %d: %s: %w", provider, status, body, ErrUnavailable)
	default:
		return fmt.Errorf("%s api status %d: %s", provider, status, body)
	}
}
