package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/config"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// OllamaClient talks to a local Ollama daemon through /api/chat.
type OllamaClient struct {
	endpoint   string
	httpClient *http.Client
	config     config.LLMModelConfig
	logger     *zap.Logger
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// NewOllamaClient creates a client. No API key is needed.
func NewOllamaClient(cfg config.LLMModelConfig, logger *zap.Logger) *OllamaClient {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	return &OllamaClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		config:     cfg,
		logger:     logger.Named("llm_client.ollama"),
	}
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string { return c.config.Model }

// Generate performs one non-streaming chat call.
func (c *OllamaClient) Generate(ctx context.Context, req Request) (*Response, error) {
	user := ollamaMessage{Role: "user", Content: req.UserPrompt}
	for _, img := range req.Images {
		user.Images = append(user.Images, base64.StdEncoding.EncodeToString(img))
	}
	payload := ollamaChatRequest{
		Model:    c.config.Model,
		Messages: []ollamaMessage{user},
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if req.SystemPrompt != "" {
		payload.Messages = append([]ollamaMessage{{Role: "system", Content: req.SystemPrompt}}, payload.Messages...)
	}
	if limit := firstPositive(req.MaxTokens, c.config.MaxTokens); limit > 0 {
		payload.Options["num_predict"] = limit
	}
	if req.ForceJSON {
		payload.Format = "json"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, budget.Permanent(fmt.Errorf("failed to marshal request payload: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, budget.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "ollama", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var chat ollamaChatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, budget.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
	}
	return &Response{
		Text:         chat.Message.Content,
		Model:        c.config.Model,
		InputTokens:  chat.PromptEvalCount,
		OutputTokens: chat.EvalCount,
		Latency:      latency,
	}, nil
}
