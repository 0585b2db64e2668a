// Package budget tracks what an investigation spends on model tokens, external
// APIs and browser time, and retries transient failures of the calls that
// incur that spend.
package budget

import (
	"math"
	"strings"
	"sync"
)

// ModelRate is the USD cost per 1,000 tokens.
type ModelRate struct {
	Input  float64
	Output float64
}

// modelRates holds known per-model pricing. Unknown models cost nothing,
// which matches self-hosted inference.
var modelRates = map[string]ModelRate{
	"ollama":           {0, 0},
	"llama3.1":         {0, 0},
	"llama3.2":         {0, 0},
	"mistral":          {0, 0},
	"gemini-1.5-flash": {0.000075, 0.0003},
	"gemini-1.5-pro":   {0.00125, 0.005},
	"gemini-2.0-flash": {0.0001, 0.0004},
	"gpt-4o":           {0.0025, 0.01},
	"gpt-4o-mini":      {0.00015, 0.0006},
}

// apiCallCosts are per-call costs for external lookups. All of the current
// integrations use free tiers.
var apiCallCosts = map[string]float64{
	"virustotal": 0,
	"urlscan":    0,
	"ipinfo":     0,
	"whois":      0,
	"dns":        0,
	"ssl":        0,
	"http_head":  0,
}

const (
	computeCPUSecond = 0.000024
	computeGBSecond  = 0.0000025
	browserMemoryGB  = 1.0
)

// RateFor returns the pricing for model, matching on the longest known prefix
// so versioned names like "gemini-1.5-pro-002" resolve.
func RateFor(model string) ModelRate {
	model = strings.ToLower(model)
	if r, ok := modelRates[model]; ok {
		return r
	}
	best := ""
	for name := range modelRates {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	return modelRates[best]
}

// LineItem is one recorded charge.
type LineItem struct {
	Category string  `json:"category"`
	Label    string  `json:"label"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	UnitCost float64 `json:"unit_cost"`
	Total    float64 `json:"total"`
}

// Summary is a point-in-time view of the tracker.
type Summary struct {
	TotalUSD       float64        `json:"total_usd"`
	BudgetUSD      float64        `json:"budget_usd"`
	RemainingUSD   float64        `json:"remaining_usd"`
	Exceeded       bool           `json:"exceeded"`
	InputTokens    int            `json:"input_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	APICalls       map[string]int `json:"api_calls"`
	BrowserSeconds float64        `json:"browser_seconds"`
	LineItems      []LineItem     `json:"line_items"`
}

// Tracker accumulates spend for one investigation. A budget of zero means
// unlimited. It is safe for concurrent use.
type Tracker struct {
	mu             sync.Mutex
	budget         float64
	total          float64
	inputTokens    int
	outputTokens   int
	apiCalls       map[string]int
	browserSeconds float64
	items          []LineItem
}

// NewTracker creates a tracker with the given USD budget.
func NewTracker(budgetUSD float64) *Tracker {
	return &Tracker{budget: budgetUSD, apiCalls: make(map[string]int)}
}

// RecordTokens charges a model call and returns its cost.
func (t *Tracker) RecordTokens(model string, input, output int) float64 {
	rate := RateFor(model)
	inCost := float64(input) / 1000 * rate.Input
	outCost := float64(output) / 1000 * rate.Output

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens += input
	t.outputTokens += output
	t.add(LineItem{Category: "llm", Label: model + " input", Quantity: float64(input), Unit: "tokens", UnitCost: rate.Input / 1000, Total: inCost})
	t.add(LineItem{Category: "llm", Label: model + " output", Quantity: float64(output), Unit: "tokens", UnitCost: rate.Output / 1000, Total: outCost})
	return inCost + outCost
}

// RecordAPICall charges one call to an external service.
func (t *Tracker) RecordAPICall(service string) {
	cost := apiCallCosts[service]
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apiCalls[service]++
	t.add(LineItem{Category: "api", Label: service, Quantity: 1, Unit: "calls", UnitCost: cost, Total: cost})
}

// RecordBrowserSeconds charges compute time for the browser session.
func (t *Tracker) RecordBrowserSeconds(seconds float64) {
	unit := computeCPUSecond + computeGBSecond*browserMemoryGB
	t.mu.Lock()
	defer t.mu.Unlock()
	t.browserSeconds += seconds
	t.add(LineItem{Category: "compute", Label: "browser", Quantity: seconds, Unit: "seconds", UnitCost: unit, Total: seconds * unit})
}

func (t *Tracker) add(item LineItem) {
	t.items = append(t.items, item)
	t.total += item.Total
}

// Total returns the cumulative spend.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Remaining returns the unspent budget, or +Inf when unlimited.
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining()
}

func (t *Tracker) remaining() float64 {
	if t.budget <= 0 {
		return math.Inf(1)
	}
	return math.Max(0, t.budget-t.total)
}

// Exceeded reports whether spend has reached a non-zero budget.
func (t *Tracker) Exceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exceeded()
}

func (t *Tracker) exceeded() bool {
	return t.budget > 0 && t.total >= t.budget
}

// Check returns an *ExceededError once the budget is reached.
func (t *Tracker) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exceeded() {
		return &ExceededError{Spent: t.total, Budget: t.budget}
	}
	return nil
}

// Summary returns a copy of the tracker state.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make(map[string]int, len(t.apiCalls))
	for k, v := range t.apiCalls {
		calls[k] = v
	}
	remaining := t.remaining()
	if math.IsInf(remaining, 1) {
		// JSON cannot encode +Inf; -1 signals "unlimited" to consumers.
		remaining = -1
	}
	return Summary{
		TotalUSD:       t.total,
		BudgetUSD:      t.budget,
		RemainingUSD:   remaining,
		Exceeded:       t.exceeded(),
		InputTokens:    t.inputTokens,
		OutputTokens:   t.outputTokens,
		APICalls:       calls,
		BrowserSeconds: t.browserSeconds,
		LineItems:      append([]LineItem(nil), t.items...),
	}
}
