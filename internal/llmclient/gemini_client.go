// internal/llmclient/gemini_client.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/config"
)

// GeminiClient calls the Gemini generateContent REST endpoint directly.
type GeminiClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	config     config.LLMModelConfig
}

// -- Gemini API Request/Response Structures (Internal to this file) --
type GeminiContent struct {
	Parts []GeminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type GeminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *GeminiBlob `json:"inline_data,omitempty"`
}

type GeminiBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type GeminiSystemInstruction struct {
	Parts []GeminiPart `json:"parts"`
}

type GeminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type GeminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	TopP             float32 `json:"topP,omitempty"`
	TopK             int     `json:"topK,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type GeminiRequestPayload struct {
	Contents          []GeminiContent          `json:"contents"`
	SystemInstruction *GeminiSystemInstruction `json:"system_instruction,omitempty"`
	SafetySettings    []GeminiSafetySetting    `json:"safetySettings,omitempty"`
	GenerationConfig  GeminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type GeminiResponsePayload struct {
	Candidates []struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient initializes the client.
func NewGeminiClient(cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	return &GeminiClient{
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		logger:     logger.Named("llm_client.gemini"),
	}, nil
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string { return c.config.Model }

// Generate performs one request. Retries are the caller's concern; errors that
// can never succeed on retry are wrapped with budget.Permanent.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return nil, budget.Permanent(fmt.Errorf("failed to marshal request payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, budget.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

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
		c.logger.Error("Gemini API returned error status", zap.Int("status", resp.StatusCode), zap.String("response", string(respBody)))
		return nil, &APIError{Provider: "gemini", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var payload GeminiResponsePayload
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, budget.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
	}
	if len(payload.Candidates) == 0 {
		return nil, budget.Permanent(fmt.Errorf("gemini API returned no candidates"))
	}

	candidate := payload.Candidates[0]
	if len(candidate.Content.Parts) == 0 {
		if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
			return nil, budget.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
		}
		return nil, &APIError{Provider: "gemini", StatusCode: http.StatusServiceUnavailable, Body: "empty content parts (Reason: " + candidate.FinishReason + ")"}
	}

	c.logger.Debug("LLM generation complete (Gemini)",
		zap.Duration("duration", latency),
		zap.Int("prompt_tokens", payload.UsageMetadata.PromptTokenCount),
		zap.Int("completion_tokens", payload.UsageMetadata.CandidatesTokenCount),
	)

	return &Response{
		Text:         candidate.Content.Parts[0].Text,
		Model:        c.config.Model,
		InputTokens:  payload.UsageMetadata.PromptTokenCount,
		OutputTokens: payload.UsageMetadata.CandidatesTokenCount,
		Latency:      latency,
	}, nil
}

func (c *GeminiClient) buildRequestPayload(req Request) GeminiRequestPayload {
	maxTokens := c.config.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	genConfig := GeminiGenerationConfig{
		Temperature:     float64(req.Temperature),
		TopP:            c.config.TopP,
		TopK:            c.config.TopK,
		MaxOutputTokens: maxTokens,
	}
	if req.ForceJSON {
		genConfig.ResponseMimeType = "application/json"
	}

	parts := []GeminiPart{{Text: req.UserPrompt}}
	for _, img := range req.Images {
		parts = append(parts, GeminiPart{InlineData: &GeminiBlob{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(img),
		}})
	}

	payload := GeminiRequestPayload{
		Contents:         []GeminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: genConfig,
		SafetySettings:   c.getSafetySettings(),
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &GeminiSystemInstruction{Parts: []GeminiPart{{Text: req.SystemPrompt}}}
	}
	return payload
}

func (c *GeminiClient) getSafetySettings() []GeminiSafetySetting {
	settings := make([]GeminiSafetySetting, 0, len(c.config.SafetyFilters))
	for category, threshold := range c.config.SafetyFilters {
		settings = append(settings, GeminiSafetySetting{
			Category:  category,
			Threshold: threshold,
		})
	}
	return settings
}
