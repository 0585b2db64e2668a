package schemas

import (
	"fmt"
	"math"
	"strings"
)

// -- Page Observation Schemas --

// InteractiveElement is one actionable node on the page. Index is stable for
// the lifetime of the observation it belongs to and is how decisions refer to
// elements.
type InteractiveElement struct {
	Index       int    `json:"index"`
	Tag         string `json:"tag"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	ID          string `json:"id,omitempty"`
	Label       string `json:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Text        string `json:"text,omitempty"`
	Href        string `json:"href,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Selector    string `json:"selector"`
}

// Describe renders the element as a single line for model prompts.
func (e InteractiveElement) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] <%s", e.Index, e.Tag)
	if e.Type != "" {
		fmt.Fprintf(&b, " type=%q", e.Type)
	}
	if e.Name != "" {
		fmt.Fprintf(&b, " name=%q", e.Name)
	}
	if e.Placeholder != "" {
		fmt.Fprintf(&b, " placeholder=%q", e.Placeholder)
	}
	if e.Required {
		b.WriteString(" required")
	}
	b.WriteString(">")
	if e.Label != "" {
		fmt.Fprintf(&b, " label=%q", e.Label)
	}
	if e.Text != "" {
		fmt.Fprintf(&b, " text=%q", e.Text)
	}
	return b.String()
}

// PageObservation is a snapshot of the live page. It is rebuilt every loop
// iteration and never persisted on its own.
type PageObservation struct {
	URL      string               `json:"url"`
	Title    string               `json:"title"`
	Text     string               `json:"text"`
	Elements []InteractiveElement `json:"elements"`
}

// Element looks up an element by its observation index.
func (o *PageObservation) Element(index int) (InteractiveElement, bool) {
	if o == nil {
		return InteractiveElement{}, false
	}
	for _, el := range o.Elements {
		if el.Index == index {
			return el, true
		}
	}
	return InteractiveElement{}, false
}

// TextSnippet returns at most n characters of the visible text.
func (o *PageObservation) TextSnippet(n int) string {
	if o == nil {
		return ""
	}
	r := []rune(o.Text)
	if len(r) <= n {
		return o.Text
	}
	return string(r[:n])
}

// -- Agent Action Schemas --

// ActionKind is the kind of a browser-level decision.
type ActionKind string

const (
	ActionClick      ActionKind = "click"
	ActionType       ActionKind = "type"
	ActionSelect     ActionKind = "select"
	ActionScroll     ActionKind = "scroll"
	ActionWait       ActionKind = "wait"
	ActionNavigate   ActionKind = "navigate"
	ActionSubmit     ActionKind = "submit"
	ActionScreenshot ActionKind = "screenshot"
	ActionDone       ActionKind = "done"
	ActionFail       ActionKind = "fail"
	// ActionExtract reads page text. Only playbooks issue it.
	ActionExtract ActionKind = "extract"
)

func (k ActionKind) String() string { return string(k) }

// ParseActionKind maps a free-form kind name onto a known ActionKind.
func ParseActionKind(s string) (ActionKind, bool) {
	k := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case ActionClick, ActionType, ActionSelect, ActionScroll, ActionWait, ActionNavigate,
		ActionSubmit, ActionScreenshot, ActionDone, ActionFail, ActionExtract:
		return k, true
	}
	return "", false
}

// AgentAction is a single decision, produced by a playbook step, vision
// reasoning or an operator.
type AgentAction struct {
	Kind ActionKind `json:"action"`
	// ElementIndex refers into the observation the action was decided on.
	ElementIndex *int `json:"element_index,omitempty"`
	// Selector targets an element directly and wins over ElementIndex.
	Selector   string  `json:"selector,omitempty"`
	Value      string  `json:"value,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence"`
}

// NewAgentAction builds an action with its confidence clamped to [0,1].
func NewAgentAction(kind ActionKind, reasoning string, confidence float64) AgentAction {
	return AgentAction{Kind: kind, Reasoning: reasoning, Confidence: ClampConfidence(confidence)}
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// WithElement returns a copy of the action targeting the element at index.
func (a AgentAction) WithElement(index int) AgentAction {
	a.ElementIndex = &index
	return a
}

// Signature identifies repeats of the same decision.
func (a AgentAction) Signature() string {
	idx := "-"
	if a.ElementIndex != nil {
		idx = fmt.Sprint(*a.ElementIndex)
	}
	return fmt.Sprintf("%s|%s|%s|%s", a.Kind, idx, a.Selector, a.Value)
}

// IsTerminal reports whether the action ends the session by itself.
func (a AgentAction) IsTerminal() bool {
	return a.Kind == ActionDone || a.Kind == ActionFail
}
