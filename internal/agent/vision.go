package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/llmclient"
	"github.com/xkilldash9x/snare/internal/llmutil"
	"github.com/xkilldash9x/snare/internal/observability"
)

// DecisionRequest is everything vision reasoning sees for one decision.
type DecisionRequest struct {
	State       AgentState
	Observation *schemas.PageObservation
	Identity    map[string]string
	History     []AgentStep
	// Instruction is a one-shot operator hint from a continue command.
	Instruction string
	Screenshot  []byte
}

// Decision is the chosen action plus the usage it cost.
type Decision struct {
	Action schemas.AgentAction
	// NextState is an optional phase change the model asks for.
	NextState    AgentState
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Decider is the vision reasoning step.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

// VisionDecider asks a multimodal model for the next action.
type VisionDecider struct {
	client      llmclient.Client
	tracker     *budget.Tracker
	metrics     *observability.Metrics
	logger      *zap.Logger
	temperature float32
	maxTokens   int
}

// NewVisionDecider wraps client. tracker and metrics may be nil.
func NewVisionDecider(client llmclient.Client, tracker *budget.Tracker, metrics *observability.Metrics, logger *zap.Logger) *VisionDecider {
	return &VisionDecider{
		client:      client,
		tracker:     tracker,
		metrics:     metrics,
		logger:      logger.Named("vision"),
		temperature: 0.2,
		maxTokens:   1024,
	}
}

// Decide never fails on a malformed response; it turns it into a fail
// action instead. Errors are provider or budget failures.
func (v *VisionDecider) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	if v.tracker != nil {
		if err := v.tracker.Check(); err != nil {
			return Decision{}, err
		}
	}

	llmReq := llmclient.Request{
		SystemPrompt: visionSystemPrompt,
		UserPrompt:   buildUserPrompt(req),
		Temperature:  v.temperature,
		MaxTokens:    v.maxTokens,
		ForceJSON:    true,
	}
	if len(req.Screenshot) > 0 {
		llmReq.Images = [][]byte{req.Screenshot}
	}

	resp, err := v.client.Generate(ctx, llmReq)
	if err != nil {
		return Decision{}, fmt.Errorf("vision decision failed: %w", err)
	}

	if v.tracker != nil {
		v.tracker.RecordTokens(v.client.Model(), resp.InputTokens, resp.OutputTokens)
	}
	v.metrics.LLMTokens(resp.InputTokens, resp.OutputTokens)

	d := parseDecision(resp.Text, v.logger)
	d.InputTokens = resp.InputTokens
	d.OutputTokens = resp.OutputTokens
	d.Latency = resp.Latency
	return d, nil
}

const visionSystemPrompt = `You drive a browser through a suspected scam website using a synthetic identity.
Your goal is to register an account, reach the deposit or payment page and reveal the
cryptocurrency wallet addresses the site asks victims to pay into. Never use real data.

Reply with exactly one JSON object:
{"action": "click|type|select|scroll|wait|navigate|submit|screenshot|done|fail",
 "element_index": <int, optional>, "selector": "<css, optional>", "value": "<text, url or option>",
 "reasoning": "<short>", "confidence": <0..1>, "next_state": "<optional phase name>"}

Use "done" when the goal of the current phase is reached and "fail" when the site cannot be progressed.
In EXTRACT_WALLETS, put every wallet address you can see into the value of the done action.`

var phaseGoals = map[AgentState]string{
	StateLoadSite:               "Confirm the site loaded.",
	StateFindRegister:           "Find the registration or sign-up form.",
	StateFillRegister:           "Fill every registration field with the identity values.",
	StateSubmitRegister:         "Submit the registration form.",
	StateCheckEmailVerification: "Check whether email verification blocks progress.",
	StateNavigateDeposit:        "Navigate to the deposit, top-up or payment page.",
	StateExtractWallets:         "Read the wallet addresses shown for deposits.",
}

func buildUserPrompt(req DecisionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current phase: %s\n", req.State)
	if goal, ok := phaseGoals[req.State]; ok {
		fmt.Fprintf(&b, "Phase goal: %s\n", goal)
	}
	if next := req.State.Successors(); len(next) > 0 {
		names := make([]string, len(next))
		for i, s := range next {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, "Allowed next phases: %s\n", strings.Join(names, ", "))
	}
	if obs := req.Observation; obs != nil {
		fmt.Fprintf(&b, "\nURL: %s\nTitle: %s\n", obs.URL, obs.Title)
		b.WriteString("\nInteractive elements:\n")
		for _, el := range obs.Elements {
			b.WriteString(el.Describe())
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "\nVisible text:\n%s\n", obs.TextSnippet(2000))
	}

	if len(req.Identity) > 0 {
		b.WriteString("\nIdentity:\n")
		keys := make([]string, 0, len(req.Identity))
		for k := range req.Identity {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, req.Identity[k])
		}
	}

	if len(req.History) > 0 {
		b.WriteString("\nRecent steps:\n")
		for _, st := range req.History {
			outcome := st.Outcome
			if st.Error != "" {
				outcome = schemas.ErrorOutcome(st.Error)
			}
			fmt.Fprintf(&b, "%d. [%s] %s -> %s\n", st.Number, st.State, st.Action.Signature(), truncate(outcome, 160))
		}
	}

	if req.Instruction != "" {
		fmt.Fprintf(&b, "\nOperator instruction: %s\n", req.Instruction)
	}
	return b.String()
}

type rawDecision struct {
	Action       string   `json:"action"`
	ElementIndex *int     `json:"element_index"`
	Selector     string   `json:"selector"`
	Value        string   `json:"value"`
	Reasoning    string   `json:"reasoning"`
	Confidence   *float64 `json:"confidence"`
	NextState    string   `json:"next_state"`
}

// parseDecision extracts the JSON object from a model reply. Anything it
// cannot make sense of becomes a fail action.
func parseDecision(text string, logger *zap.Logger) Decision {
	raw, err := llmutil.ParseJSONObject[rawDecision](text)
	if err != nil {
		logger.Warn("Failed to parse vision response", zap.String("raw_response", truncate(text, 300)), zap.Error(err))
		return Decision{Action: schemas.NewAgentAction(schemas.ActionFail, "unparseable model response: "+err.Error(), 0)}
	}
	kind, ok := schemas.ParseActionKind(raw.Action)
	if !ok || kind == schemas.ActionExtract {
		logger.Warn("Vision response has unknown action", zap.String("action", raw.Action))
		return Decision{Action: schemas.NewAgentAction(schemas.ActionFail, fmt.Sprintf("unknown action %q in model response", raw.Action), 0)}
	}

	confidence := 0.5
	if raw.Confidence != nil {
		confidence = *raw.Confidence
	}
	action := schemas.NewAgentAction(kind, raw.Reasoning, confidence)
	action.ElementIndex = raw.ElementIndex
	action.Selector = raw.Selector
	action.Value = raw.Value

	d := Decision{Action: action}
	if raw.NextState != "" {
		if st, ok := ParseAgentState(strings.ToUpper(strings.TrimSpace(raw.NextState))); ok {
			d.NextState = st
		}
	}
	return d
}

func truncate(s string, n int) string { return llmutil.Truncate(s, n) }
