package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/config"
)

// NewClient creates the configured provider wrapped in a RetryingClient.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (Client, error) {
	var (
		inner Client
		err   error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		inner, err = NewGeminiClient(cfg, logger)
	case config.ProviderGenAI:
		inner, err = NewGenAIClient(ctx, cfg, logger)
	case config.ProviderOllama:
		inner = NewOllamaClient(cfg, logger)
	default:
		return nil, budget.Permanent(fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderGenAI, config.ProviderOllama))
	}
	if err != nil {
		return nil, err
	}

	retrier := budget.NewRetrier(budget.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}, logger)
	return NewRetryingClient(inner, retrier), nil
}

// RetryingClient retries transient provider failures.
type RetryingClient struct {
	inner   Client
	retrier *budget.Retrier
}

// NewRetryingClient wraps inner with the retry policy of r.
func NewRetryingClient(inner Client, r *budget.Retrier) *RetryingClient {
	return &RetryingClient{inner: inner, retrier: r}
}

// Model returns the wrapped client's model.
func (c *RetryingClient) Model() string { return c.inner.Model() }

// Generate calls the wrapped client with retries.
func (c *RetryingClient) Generate(ctx context.Context, req Request) (*Response, error) {
	return budget.Retry(ctx, c.retrier, "llm.generate", func(ctx context.Context) (*Response, error) {
		return c.inner.Generate(ctx, req)
	})
}
