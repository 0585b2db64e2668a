package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/bus"
	"github.com/xkilldash9x/snare/internal/config"
	"github.com/xkilldash9x/snare/internal/identity"
)

const targetURL = "https://scam.example/"

// fakePage is a scripted browser page.
type fakePage struct {
	mu       sync.Mutex
	obs      schemas.PageObservation
	outcome  func(schemas.AgentAction) string
	executed []schemas.AgentAction
	shots    int
	// shot returns the n-th screenshot; nil means a constant tiny image.
	shot func(n int) []byte
}

func newFakePage() *fakePage {
	return &fakePage{obs: schemas.PageObservation{
		URL:   targetURL,
		Title: "Crypto Yield Pro",
		Text:  "Earn 4% daily. Register now.",
		Elements: []schemas.InteractiveElement{
			{Index: 0, Tag: "input", Type: "email", Name: "email", Selector: "#email"},
			{Index: 1, Tag: "button", Text: "Sign up", Selector: "#register"},
		},
	}}
}

func (p *fakePage) Execute(_ context.Context, action schemas.AgentAction, _ []schemas.InteractiveElement) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = append(p.executed, action)
	if p.outcome != nil {
		return p.outcome(action)
	}
	return "ok: " + string(action.Kind)
}

func (p *fakePage) Observe(context.Context) (*schemas.PageObservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obs := p.obs
	return &obs, nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shots++
	if p.shot != nil {
		return p.shot(p.shots), nil
	}
	return []byte("png"), nil
}

func (p *fakePage) setText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.obs.Text = text
}

func (p *fakePage) URL(context.Context) (string, error) { return p.obs.URL, nil }
func (p *fakePage) Close() error                       { return nil }

func (p *fakePage) kinds() []schemas.ActionKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schemas.ActionKind, len(p.executed))
	for i, a := range p.executed {
		out[i] = a.Kind
	}
	return out
}

// scriptedDecider replays decisions in order, then gives up.
type scriptedDecider struct {
	mu       sync.Mutex
	script   []Decision
	hook     func(ctx context.Context, call int, req DecisionRequest) (Decision, error)
	requests []DecisionRequest
}

func (d *scriptedDecider) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	d.mu.Lock()
	call := len(d.requests)
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	if d.hook != nil {
		return d.hook(ctx, call, req)
	}
	if call < len(d.script) {
		return d.script[call], nil
	}
	return Decision{}, errors.New("script exhausted")
}

func (d *scriptedDecider) calls() []DecisionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DecisionRequest(nil), d.requests...)
}

func act(kind schemas.ActionKind, value string) Decision {
	a := schemas.NewAgentAction(kind, "test", 0.9)
	a.Value = value
	return Decision{Action: a}
}

func done(next AgentState, value string) Decision {
	d := act(schemas.ActionDone, value)
	d.NextState = next
	return d
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.NewVault(identity.DefaultProbeDomain, identity.WithSeed(7)).Generate()
	require.NoError(t, err)
	return id
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{MaxSteps: 40, StuckThreshold: 15, MaxRepeatedActions: 3, HistorySize: 5}
}

type harness struct {
	page    *fakePage
	decider *scriptedDecider
	bus     *bus.Bus
	events  *bus.MemorySink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New("inv-test", zaptest.NewLogger(t))
	t.Cleanup(func() { _ = b.Close() })
	sink := bus.NewMemorySink()
	b.AddSink(sink)
	return &harness{page: newFakePage(), decider: &scriptedDecider{}, bus: b, events: sink}
}

func (h *harness) run(ctx context.Context, t *testing.T, cfg config.AgentConfig, deps Deps, opts ...Option) *AgentSession {
	t.Helper()
	deps.Page = h.page
	deps.Bus = h.bus
	deps.Decider = h.decider
	c, err := NewController(cfg, deps, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return c.Run(ctx, targetURL)
}

func visitedStates(s *AgentSession) []AgentState {
	out := make([]AgentState, len(s.Transitions))
	for i, tr := range s.Transitions {
		out[i] = tr.To
	}
	return out
}

// sleepRecorder stands in for real waits.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}
