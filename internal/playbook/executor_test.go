package playbook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/snare/api/schemas"
)

func registrationPlaybook() *Playbook {
	return newTestPlaybook("example_signup", `example\.com`,
		Step{Action: StepClick, Selector: "#register"},
		Step{Action: StepTypeText, Selector: "#email", Value: "{identity.email}"},
		Step{Action: StepClick, Selector: "#submit"},
	)
}

func TestEngineEndToEnd(t *testing.T) {
	exec := new(mockExecutor)
	exec.On("Execute", mock.Anything, actionWith(schemas.ActionClick, "#register", ""), mock.Anything).Return("Clicked #register").Once()
	exec.On("Execute", mock.Anything, actionWith(schemas.ActionType, "#email", "x@y"), mock.Anything).Return("Typed into #email").Once()
	exec.On("Execute", mock.Anything, actionWith(schemas.ActionClick, "#submit", ""), mock.Anything).Return("Clicked #submit").Once()

	m := NewMatcher(zaptest.NewLogger(t))
	require.NoError(t, m.Register(registrationPlaybook()))
	pb := m.Match("https://example.com/landing")
	require.NotNil(t, pb)

	engine := NewEngine(exec, zaptest.NewLogger(t))
	res := engine.Run(context.Background(), pb, "https://example.com/landing", map[string]string{"email": "x@y"})

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.CompletedSteps)
	assert.Equal(t, 3, res.TotalSteps)
	assert.False(t, res.FellBack)
	assert.Empty(t, res.FallbackReason)
	require.Len(t, res.StepResults, 3)
	assert.Equal(t, "Typed into #email", res.StepResults[1].Outcome)
	assert.Equal(t, "****", res.StepResults[1].Value, "short typed values are fully masked")
	exec.AssertExpectations(t)
}

func TestEngineRetriesWithoutDelay(t *testing.T) {
	exec := new(mockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("ERROR: element not found").Twice()
	exec.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("Clicked #go").Once()

	pb := newTestPlaybook("retry", "x", Step{Action: StepClick, Selector: "#go", RetryOnFailure: 2})
	require.NoError(t, pb.Validate())

	start := time.Now()
	res := NewEngine(exec, nil).Run(context.Background(), pb, "https://x", nil)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, res.Success)
	require.Len(t, res.StepResults, 1)
	assert.Equal(t, 3, res.StepResults[0].Attempts)
	assert.Empty(t, res.StepResults[0].Error)
	exec.AssertNumberOfCalls(t, "Execute", 3)
}

func TestEngineFallsBackAfterRetries(t *testing.T) {
	exec := new(mockExecutor)
	exec.On("Execute", mock.Anything, actionWith(schemas.ActionClick, "#register", ""), mock.Anything).Return("Clicked").Once()
	exec.On("Execute", mock.Anything, actionWith(schemas.ActionType, "#email", "someone@probe.test"), mock.Anything).Return("ERROR: element not found: #email")

	pb := registrationPlaybook()
	pb.Steps[1].RetryOnFailure = 1
	require.NoError(t, pb.Validate())

	res := NewEngine(exec, nil).Run(context.Background(), pb, "https://example.com", map[string]string{"email": "someone@probe.test"})

	assert.False(t, res.Success)
	assert.True(t, res.FellBack)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.Equal(t, "Step 2 (type #email) failed: element not found: #email", res.FallbackReason)
	require.Len(t, res.StepResults, 2)
	assert.True(t, res.StepResults[1].FellBack)
	assert.Equal(t, 2, res.StepResults[1].Attempts)
	assert.Equal(t, "so***st", res.StepResults[1].Value)
	assert.Empty(t, res.Error)
	exec.AssertNumberOfCalls(t, "Execute", 3)
}

func TestEngineFailsWithoutFallback(t *testing.T) {
	exec := new(mockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("ERROR: timeout")

	pb := newTestPlaybook("strict", "x",
		Step{Action: StepClick, Selector: "#a", FallbackToLLM: boolPtr(false)},
		Step{Action: StepClick, Selector: "#b"},
	)
	require.NoError(t, pb.Validate())

	res := NewEngine(exec, nil).Run(context.Background(), pb, "https://x", nil)
	assert.False(t, res.Success)
	assert.False(t, res.FellBack)
	assert.Equal(t, "Step 1 failed without fallback: click #a", res.Error)
	assert.Equal(t, "failed", res.Outcome())
	exec.AssertNumberOfCalls(t, "Execute", 1)
}

func TestEngineTimeBudget(t *testing.T) {
	exec := new(mockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("ok")

	pb := newTestPlaybook("slow", "x",
		Step{Action: StepClick, Selector: "#a"},
		Step{Action: StepClick, Selector: "#b"},
		Step{Action: StepClick, Selector: "#c"},
	)
	pb.MaxDurationSec = 10
	require.NoError(t, pb.Validate())

	// Each clock read advances 3s: start, check 1, step timing x2, check 2 ...
	clock := newStepClock(3 * time.Second)
	res := NewEngine(exec, nil, WithClock(clock.Now)).Run(context.Background(), pb, "https://x", nil)

	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.True(t, res.FellBack)
	assert.Equal(t, "time budget exceeded", res.FallbackReason)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.Contains(t, res.Error, "time budget exceeded at step 2/3")
	exec.AssertNumberOfCalls(t, "Execute", 1)
}

func TestEngineStopsOnCancel(t *testing.T) {
	exec := new(mockExecutor)
	pb := registrationPlaybook()
	require.NoError(t, pb.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewEngine(exec, nil).Run(ctx, pb, "https://example.com", nil)
	assert.False(t, res.Success)
	assert.False(t, res.FellBack)
	assert.Contains(t, res.Error, "cancelled at step 1/3")
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "2", normalizeValue(StepWait, ""))
	assert.Equal(t, "2", normalizeValue(StepWait, "soon"))
	assert.Equal(t, "1.5", normalizeValue(StepWait, "1.5"))
	assert.Equal(t, "10", normalizeValue(StepWait, "45"))
	assert.Equal(t, "500", normalizeValue(StepScroll, ""))
	assert.Equal(t, "-200", normalizeValue(StepScroll, "-200"))
	assert.Equal(t, "https://x", normalizeValue(StepNavigate, "https://x"))
}
