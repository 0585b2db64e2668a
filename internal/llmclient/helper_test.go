package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/snare/internal/config"
)

// MockClient is a mock implementation of the Client interface for testing.
type MockClient struct {
	mock.Mock
}

// Generate mocks the Generate method.
func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

// Model mocks the Model method.
func (m *MockClient) Model() string {
	return m.Called().String(0)
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	core, _ := observer.New(zap.DebugLevel)
	return zap.New(core)
}

// getValidLLMConfig returns a valid LLMModelConfig for testing purposes.
func getValidLLMConfig() config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:       config.ProviderGemini,
		APIKey:         "test-api-key",
		Model:          "test-model",
		APITimeout:     5 * time.Second,
		Temperature:    0.7,
		TopP:           0.9,
		TopK:           50,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}
}
