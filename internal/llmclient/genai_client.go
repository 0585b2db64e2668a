package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/config"
)

// GenAIClient uses the official Google Gen AI SDK.
type GenAIClient struct {
	client *genai.Client
	config config.LLMModelConfig
	logger *zap.Logger
}

// NewGenAIClient creates an SDK-backed client for the Gemini API backend.
func NewGenAIClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API Key is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIClient{client: client, config: cfg, logger: logger.Named("llm_client.genai")}, nil
}

// Model returns the configured model name.
func (c *GenAIClient) Model() string { return c.config.Model }

// Generate sends one multimodal request through the SDK.
func (c *GenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.UserPrompt)}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img, "image/png"))
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if limit := firstPositive(req.MaxTokens, c.config.MaxTokens); limit > 0 {
		genCfg.MaxOutputTokens = int32(limit)
	}
	if req.ForceJSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.config.Model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, genCfg)
	latency := time.Since(start)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &APIError{Provider: "genai", StatusCode: apiErr.Code, Body: apiErr.Message}
		}
		return nil, fmt.Errorf("genai request failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, budget.Permanent(fmt.Errorf("genai returned no text"))
	}

	out := &Response{Text: text, Model: c.config.Model, Latency: latency}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	c.logger.Debug("LLM generation complete (GenAI)",
		zap.Duration("duration", latency),
		zap.Int("prompt_tokens", out.InputTokens),
		zap.Int("completion_tokens", out.OutputTokens),
	)
	return out, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
