package llmclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/config"
)

// -- Test Setup Helpers --

// setupGeminiClient points a GeminiClient at a mock HTTP server and returns
// the client with a log observer.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	loggerCore, observedLogs := observer.New(zap.DebugLevel)
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, zap.New(loggerCore))
	require.NoError(t, err, "NewGeminiClient initialization failed")
	return client, observedLogs
}

func createTestRequest() Request {
	return Request{
		SystemPrompt: "System prompt instructions.",
		UserPrompt:   "User query.",
		Temperature:  0.7,
	}
}

func writeCandidate(w http.ResponseWriter, text string, prompt, completion int) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":%d,"candidatesTokenCount":%d,"totalTokenCount":%d}}`,
		text, prompt, completion, prompt+completion)
}

// -- Test Cases: Initialization --

func TestNewGeminiClient_DefaultEndpoint(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.Endpoint = ""

	client, err := NewGeminiClient(cfg, setupTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)
	assert.Equal(t, fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model), client.endpoint)
	assert.Equal(t, "test-model", client.Model())
}

func TestNewGeminiClient_MissingAPIKey(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.APIKey = ""

	client, err := NewGeminiClient(cfg, setupTestLogger(t))
	assert.Nil(t, client)
	assert.ErrorContains(t, err, "Gemini API Key is required")
}

// -- Test Cases: Payload --

func TestBuildRequestPayload(t *testing.T) {
	client, _ := setupGeminiClient(t, nil)
	client.config.MaxTokens = 2048
	client.config.SafetyFilters = map[string]string{"CAT_A": "BLOCK_LOW", "CAT_B": "BLOCK_HIGH"}

	req := createTestRequest()
	req.Temperature = 0.5
	req.ForceJSON = true
	req.Images = [][]byte{[]byte("png-bytes")}

	payload := client.buildRequestPayload(req)

	require.NotNil(t, payload.SystemInstruction)
	assert.Equal(t, req.SystemPrompt, payload.SystemInstruction.Parts[0].Text)
	require.Len(t, payload.Contents, 1)
	require.Len(t, payload.Contents[0].Parts, 2)
	assert.Equal(t, "user", payload.Contents[0].Role)
	assert.Equal(t, req.UserPrompt, payload.Contents[0].Parts[0].Text)
	require.NotNil(t, payload.Contents[0].Parts[1].InlineData)
	assert.Equal(t, "image/png", payload.Contents[0].Parts[1].InlineData.MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), payload.Contents[0].Parts[1].InlineData.Data)

	assert.Equal(t, 0.5, payload.GenerationConfig.Temperature)
	assert.Equal(t, float32(0.9), payload.GenerationConfig.TopP)
	assert.Equal(t, 50, payload.GenerationConfig.TopK)
	assert.Equal(t, 2048, payload.GenerationConfig.MaxOutputTokens)
	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
	assert.Len(t, payload.SafetySettings, 2)
}

func TestBuildRequestPayload_RequestMaxTokensWins(t *testing.T) {
	client, _ := setupGeminiClient(t, nil)
	client.config.MaxTokens = 2048
	req := createTestRequest()
	req.MaxTokens = 256
	req.SystemPrompt = ""

	payload := client.buildRequestPayload(req)
	assert.Equal(t, 256, payload.GenerationConfig.MaxOutputTokens)
	assert.Nil(t, payload.SystemInstruction)
}

// -- Test Cases: Generate --

func TestGenerate_Success(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))

		body, _ := io.ReadAll(r.Body)
		var payload GeminiRequestPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "User query.", payload.Contents[0].Parts[0].Text)

		writeCandidate(w, `{"action_type":"click"}`, 100, 50)
	}
	client, logs := setupGeminiClient(t, handler)

	resp, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"action_type":"click"}`, resp.Text)
	assert.Equal(t, 100, resp.InputTokens)
	assert.Equal(t, 50, resp.OutputTokens)
	assert.Equal(t, "test-model", resp.Model)

	entries := logs.FilterMessage("LLM generation complete (Gemini)").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(100), entries[0].ContextMap()["prompt_tokens"])
}

func TestGenerate_StatusErrorsAreClassified(t *testing.T) {
	for status, retryable := range map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusServiceUnavailable:  true,
		http.StatusInternalServerError: true,
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
	} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				_, _ = w.Write([]byte("nope"))
			})
			_, err := client.Generate(context.Background(), createTestRequest())

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, status, apiErr.StatusCode)
			assert.Equal(t, retryable, budget.IsRetryable(err))
		})
	}
}

func TestGenerate_PermanentFailures(t *testing.T) {
	cases := map[string]string{
		"malformed":     `not json`,
		"no candidates": `{"candidates":[]}`,
		"safety block":  `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := client.Generate(context.Background(), createTestRequest())
			require.Error(t, err)
			assert.False(t, budget.IsRetryable(err))
		})
	}
}

// -- Test Cases: RetryingClient --

func TestRetryingClient_RetriesTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeCandidate(w, "Success after retry", 1, 1)
	})
	retrier := budget.NewRetrier(budget.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, setupTestLogger(t))

	resp, err := NewRetryingClient(client, retrier).Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "Success after retry", resp.Text)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryingClient_DoesNotRetryPermanent(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Generate", mock.Anything, mock.Anything).Return(nil, &APIError{Provider: "mock", StatusCode: 400}).Once()
	mockClient.On("Model").Return("mock-model")
	retrier := budget.NewRetrier(budget.RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}, setupTestLogger(t))

	rc := NewRetryingClient(mockClient, retrier)
	_, err := rc.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	assert.Equal(t, "mock-model", rc.Model())
	mockClient.AssertNumberOfCalls(t, "Generate", 1)
}

// -- Test Cases: Factory --

func TestNewClient_Providers(t *testing.T) {
	ctx := context.Background()

	cfg := getValidLLMConfig()
	client, err := NewClient(ctx, cfg, setupTestLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &RetryingClient{}, client)

	cfg.Provider = config.ProviderOllama
	cfg.APIKey = ""
	client, err = NewClient(ctx, cfg, setupTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "test-model", client.Model())
}

func TestNewClient_UnknownProvider(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.Provider = "openai"

	_, err := NewClient(context.Background(), cfg, setupTestLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown or unsupported LLM provider configured: 'openai'")
	assert.False(t, budget.IsRetryable(err))
}

func TestNewClient_MissingKeyPropagates(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.APIKey = ""
	_, err := NewClient(context.Background(), cfg, setupTestLogger(t))
	assert.ErrorContains(t, err, "API Key is required")
}
