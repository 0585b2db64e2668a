package agent

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/playbook"
)

// TerminationReason explains why a session stopped.
type TerminationReason string

const (
	ReasonCompleted      TerminationReason = "completed"
	ReasonSkipped        TerminationReason = "skipped"
	ReasonAgentFail      TerminationReason = "agent_fail"
	ReasonBudgetExceeded TerminationReason = "budget_exceeded"
	ReasonStepLimit      TerminationReason = "step_limit"
	ReasonCancelled      TerminationReason = "cancelled"
	ReasonOperatorStop   TerminationReason = "operator_stop"

	// ReasonBrokenDepositPage ends a session whose deposit page never renders.
	ReasonBrokenDepositPage TerminationReason = "broken_deposit_page"
)

// StepSource records who decided a step's action.
type StepSource string

const (
	SourceSystem   StepSource = "system"
	SourcePlaybook StepSource = "playbook"
	SourceVision   StepSource = "vision"
	SourceOperator StepSource = "operator"
)

// ErrSessionClosed is returned when a finished session is modified.
var ErrSessionClosed = errors.New("agent session is closed")

// AgentStep is the record of one loop iteration.
type AgentStep struct {
	Number           int                      `json:"step_number"`
	State            AgentState               `json:"state"`
	Source           StepSource               `json:"source"`
	Observation      *schemas.PageObservation `json:"observation,omitempty"`
	Action           schemas.AgentAction      `json:"action"`
	Outcome          string                   `json:"outcome,omitempty"`
	ScreenshotBefore string                   `json:"screenshot_before,omitempty"`
	ScreenshotAfter  string                   `json:"screenshot_after,omitempty"`
	Timestamp        time.Time                `json:"timestamp"`
	Duration         time.Duration            `json:"duration"`
	InputTokens      int                      `json:"input_tokens,omitempty"`
	OutputTokens     int                      `json:"output_tokens,omitempty"`
	Error            string                   `json:"error,omitempty"`
	Playbook         *playbook.Result         `json:"playbook,omitempty"`
}

// Failed reports whether the step's browser interaction failed.
func (s AgentStep) Failed() bool { return s.Error != "" }

// Transition is one recorded state change.
type Transition struct {
	From   AgentState `json:"from"`
	To     AgentState `json:"to"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// StateMetrics counts work done while in one state.
type StateMetrics struct {
	Actions       int           `json:"actions"`
	LLMCalls      int           `json:"llm_calls"`
	WastedActions int           `json:"wasted_actions"`
	Duration      time.Duration `json:"duration"`
}

// AgentMetrics aggregates a session.
type AgentMetrics struct {
	TotalSteps        int                          `json:"total_steps"`
	TotalActions      int                          `json:"total_actions"`
	LLMCalls          int                          `json:"llm_calls"`
	InputTokens       int                          `json:"input_tokens"`
	OutputTokens      int                          `json:"output_tokens"`
	GuidanceRequests  int                          `json:"guidance_requests"`
	CostUSD           float64                      `json:"cost_usd"`
	BudgetRemaining   float64                      `json:"budget_remaining_usd"`
	Completed         bool                         `json:"completed"`
	TerminationReason TerminationReason            `json:"termination_reason,omitempty"`
	PerState          map[AgentState]*StateMetrics `json:"per_state"`
}

func (m *AgentMetrics) state(s AgentState) *StateMetrics {
	if m.PerState == nil {
		m.PerState = make(map[AgentState]*StateMetrics)
	}
	sm, ok := m.PerState[s]
	if !ok {
		sm = &StateMetrics{}
		m.PerState[s] = sm
	}
	return sm
}

// AgentSession is the full record of one investigation run. The controller
// owns it while running; once finished it no longer changes.
type AgentSession struct {
	mu sync.RWMutex

	ID           string       `json:"session_id"`
	TargetURL    string       `json:"target_url"`
	State        AgentState   `json:"state"`
	Steps        []AgentStep  `json:"steps"`
	Transitions  []Transition `json:"transitions"`
	Metrics      AgentMetrics `json:"metrics"`
	PIISubmitted []string     `json:"pii_fields_submitted"`
	PagesVisited []string     `json:"pages_visited"`
	Downloads    []string     `json:"downloads,omitempty"`
	Wallets      []Wallet     `json:"wallets"`
	Screenshots  []string     `json:"screenshots,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      time.Time    `json:"ended_at,omitempty"`
	PlaybookID   string       `json:"playbook_id,omitempty"`

	finished bool
	pii      map[string]bool
	pages    map[string]bool
	wallets  map[string]bool
}

// NewAgentSession starts an empty session in INIT.
func NewAgentSession(id, target string, startedAt time.Time) *AgentSession {
	return &AgentSession{
		ID:        id,
		TargetURL: target,
		State:     StateInit,
		StartedAt: startedAt.UTC(),
		Metrics:   AgentMetrics{PerState: make(map[AgentState]*StateMetrics)},
		pii:       make(map[string]bool),
		pages:     make(map[string]bool),
		wallets:   make(map[string]bool),
	}
}

// Finished reports whether the session is closed to changes.
func (s *AgentSession) Finished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// CurrentState returns the live state.
func (s *AgentSession) CurrentState() AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// StepCount returns the number of recorded steps.
func (s *AgentSession) StepCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Steps)
}

func (s *AgentSession) appendStep(step AgentStep) (AgentStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return step, ErrSessionClosed
	}
	step.Number = len(s.Steps) + 1
	s.Steps = append(s.Steps, step)

	s.Metrics.TotalSteps++
	s.Metrics.InputTokens += step.InputTokens
	s.Metrics.OutputTokens += step.OutputTokens
	sm := s.Metrics.state(step.State)
	sm.Duration += step.Duration
	if step.Action.Kind != "" && !step.Action.IsTerminal() {
		s.Metrics.TotalActions++
		sm.Actions++
		if step.Failed() {
			sm.WastedActions++
		}
	}
	return step, nil
}

func (s *AgentSession) recordLLMCall(state AgentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metrics.LLMCalls++
	s.Metrics.state(state).LLMCalls++
}

// recordWasted counts an iteration that produced no useful action.
func (s *AgentSession) recordWasted(state AgentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metrics.state(state).WastedActions++
}

func (s *AgentSession) recordGuidance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metrics.GuidanceRequests++
}

func (s *AgentSession) transition(to AgentState, reason string, at time.Time) (AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.State, ErrSessionClosed
	}
	from := s.State
	if err := CanTransition(from, to); err != nil {
		return from, err
	}
	s.State = to
	s.Transitions = append(s.Transitions, Transition{From: from, To: to, Reason: reason, At: at.UTC()})
	return from, nil
}

func (s *AgentSession) visit(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if url == "" || s.pages[url] {
		return
	}
	s.pages[url] = true
	s.PagesVisited = append(s.PagesVisited, url)
}

func (s *AgentSession) submitted(field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pii[field] {
		return
	}
	s.pii[field] = true
	s.PIISubmitted = append(s.PIISubmitted, field)
	sort.Strings(s.PIISubmitted)
}

// addWallets records unseen addresses and returns them.
func (s *AgentSession) addWallets(found []Wallet) []Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []Wallet
	for _, w := range found {
		if s.wallets[w.Address] {
			continue
		}
		s.wallets[w.Address] = true
		s.Wallets = append(s.Wallets, w)
		fresh = append(fresh, w)
	}
	return fresh
}

func (s *AgentSession) addScreenshot(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Screenshots = append(s.Screenshots, ref)
}

// history returns copies of the last n steps.
func (s *AgentSession) history(n int) []AgentStep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.Steps) == 0 {
		return nil
	}
	start := len(s.Steps) - n
	if start < 0 {
		start = 0
	}
	return append([]AgentStep(nil), s.Steps[start:]...)
}

// finish closes the session. Later calls are no-ops.
func (s *AgentSession) finish(reason TerminationReason, errText string, cost, remaining float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.Error = errText
	s.EndedAt = at.UTC()
	s.Metrics.TerminationReason = reason
	s.Metrics.Completed = s.State == StateComplete
	s.Metrics.CostUSD = cost
	s.Metrics.BudgetRemaining = remaining
}

// Summary is the compact result stored on the task record.
func (s *AgentSession) Summary() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallets := make([]map[string]string, 0, len(s.Wallets))
	for _, w := range s.Wallets {
		wallets = append(wallets, map[string]string{"chain": w.Chain, "address": w.Address})
	}
	return map[string]interface{}{
		"session_id":         s.ID,
		"final_state":        string(s.State),
		"termination_reason": string(s.Metrics.TerminationReason),
		"total_steps":        s.Metrics.TotalSteps,
		"llm_calls":          s.Metrics.LLMCalls,
		"cost_usd":           s.Metrics.CostUSD,
		"wallets":            wallets,
		"pages_visited":      append([]string(nil), s.PagesVisited...),
		"pii_fields":         append([]string(nil), s.PIISubmitted...),
		"playbook_id":        s.PlaybookID,
	}
}
