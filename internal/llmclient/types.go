// Package llmclient provides the vision-model clients used by the agent to
// decide its next browser action.
package llmclient

import (
	"context"
	"fmt"
	"time"
)

// Request is a single multimodal generation call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// Images are PNG screenshots attached after the user prompt.
	Images      [][]byte
	Temperature float32
	MaxTokens   int
	// ForceJSON asks the provider for a JSON response body when supported.
	ForceJSON bool
}

// Response carries the generated text and the usage needed for cost tracking.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Client is implemented by every provider.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// APIError is a non-2xx provider response. Its status drives retry classification.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: status %d, body: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus implements budget.StatusCoder.
func (e *APIError) HTTPStatus() int { return e.StatusCode }
