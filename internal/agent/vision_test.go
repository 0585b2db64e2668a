package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/llmclient"
)

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Generate(ctx context.Context, req llmclient.Request) (*llmclient.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*llmclient.Response)
	return resp, args.Error(1)
}

func (m *mockLLM) Model() string { return "gemini-1.5-flash" }

func sampleRequest() DecisionRequest {
	obs := newFakePage().obs
	return DecisionRequest{
		State:       StateFindRegister,
		Observation: &obs,
		Identity:    map[string]string{"email": "jane.doe42@i4g-probe.net"},
		Instruction: "look in the footer",
		Screenshot:  []byte("png"),
	}
}

func TestVisionDeciderParsesFencedJSON(t *testing.T) {
	llm := new(mockLLM)
	tracker := budget.NewTracker(0)
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(r llmclient.Request) bool {
		return r.ForceJSON && len(r.Images) == 1 && r.SystemPrompt != ""
	})).Return(&llmclient.Response{
		Text:         "Sure.\n```json\n{\"action\":\"click\",\"element_index\":1,\"reasoning\":\"sign up button\",\"confidence\":1.7,\"next_state\":\"fill_register\"}\n```",
		InputTokens:  1200,
		OutputTokens: 80,
		Latency:      900 * time.Millisecond,
	}, nil).Once()

	d, err := NewVisionDecider(llm, tracker, nil, zaptest.NewLogger(t)).Decide(context.Background(), sampleRequest())

	require.NoError(t, err)
	assert.Equal(t, schemas.ActionClick, d.Action.Kind)
	require.NotNil(t, d.Action.ElementIndex)
	assert.Equal(t, 1, *d.Action.ElementIndex)
	assert.Equal(t, 1.0, d.Action.Confidence, "confidence is clamped")
	assert.Equal(t, StateFillRegister, d.NextState)
	assert.Equal(t, 1200, d.InputTokens)
	assert.Equal(t, 900*time.Millisecond, d.Latency)

	sum := tracker.Summary()
	assert.Equal(t, 1200, sum.InputTokens)
	assert.Equal(t, 80, sum.OutputTokens)
	llm.AssertExpectations(t)
}

func TestVisionDeciderMalformedResponseBecomesFail(t *testing.T) {
	for name, text := range map[string]string{
		"not json":       "I think you should click the big green button",
		"unknown action": `{"action":"teleport"}`,
		"extract":        `{"action":"extract"}`,
	} {
		t.Run(name, func(t *testing.T) {
			llm := new(mockLLM)
			llm.On("Generate", mock.Anything, mock.Anything).Return(&llmclient.Response{Text: text}, nil)

			d, err := NewVisionDecider(llm, nil, nil, zaptest.NewLogger(t)).Decide(context.Background(), sampleRequest())

			require.NoError(t, err)
			assert.Equal(t, schemas.ActionFail, d.Action.Kind)
			assert.NotEmpty(t, d.Action.Reasoning)
		})
	}
}

func TestVisionDeciderPropagatesProviderErrors(t *testing.T) {
	llm := new(mockLLM)
	llm.On("Generate", mock.Anything, mock.Anything).Return(nil, &llmclient.APIError{Provider: "gemini", StatusCode: 400})

	_, err := NewVisionDecider(llm, nil, nil, zaptest.NewLogger(t)).Decide(context.Background(), sampleRequest())

	var apiErr *llmclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestVisionDeciderChecksBudgetFirst(t *testing.T) {
	llm := new(mockLLM)
	tracker := budget.NewTracker(0.01)
	tracker.RecordTokens("gemini-1.5-pro", 10000, 10000)

	_, err := NewVisionDecider(llm, tracker, nil, zaptest.NewLogger(t)).Decide(context.Background(), sampleRequest())

	require.ErrorIs(t, err, budget.ErrBudgetExceeded)
	llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestBuildUserPrompt(t *testing.T) {
	req := sampleRequest()
	req.History = []AgentStep{{Number: 3, State: StateFindRegister, Action: schemas.NewAgentAction(schemas.ActionScroll, "", 1), Error: "timeout"}}
	prompt := buildUserPrompt(req)

	assert.Contains(t, prompt, "Current phase: FIND_REGISTER")
	assert.Contains(t, prompt, "Allowed next phases: FILL_REGISTER, NAVIGATE_DEPOSIT")
	assert.Contains(t, prompt, `[1] <button> text="Sign up"`)
	assert.Contains(t, prompt, "email: jane.doe42@i4g-probe.net")
	assert.Contains(t, prompt, "3. [FIND_REGISTER] scroll|-|| -> ERROR: timeout")
	assert.Contains(t, prompt, "Operator instruction: look in the footer")
}

func TestParseDecisionDefaults(t *testing.T) {
	d := parseDecision(`{"action":"DONE","value":"0xabc"}`, zaptest.NewLogger(t))
	assert.Equal(t, schemas.ActionDone, d.Action.Kind)
	assert.Equal(t, 0.5, d.Action.Confidence)
	assert.Equal(t, AgentState(""), d.NextState)
}
