package playbook

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/snare/api/schemas"
)

// mockExecutor is a testify mock for schemas.ActionExecutor.
type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, action schemas.AgentAction, elements []schemas.InteractiveElement) string {
	args := m.Called(ctx, action, elements)
	return args.String(0)
}

// stepClock is a deterministic clock that advances by step on every read.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock(step time.Duration) *stepClock {
	return &stepClock{now: time.Date(2025, 10, 26, 10, 0, 0, 0, time.UTC), step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func boolPtr(b bool) *bool { return &b }

func actionWith(kind schemas.ActionKind, selector, value string) interface{} {
	return mock.MatchedBy(func(a schemas.AgentAction) bool {
		return a.Kind == kind && a.Selector == selector && a.Value == value
	})
}

func newTestPlaybook(id, pattern string, steps ...Step) *Playbook {
	return &Playbook{ID: id, URLPattern: pattern, Steps: steps}
}
