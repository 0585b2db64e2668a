// Package playbook matches target URLs to deterministic step scripts for known
// scam-site templates and runs those scripts against the browser.
package playbook

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xkilldash9x/snare/api/schemas"
)

const (
	DefaultMaxDurationSec = 120
	MinMaxDurationSec     = 10
	MaxMaxDurationSec     = 600
	MaxRetryOnFailure     = 10
	DefaultVersion        = "1.0"
)

var idPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// StepAction is the action a playbook step performs.
type StepAction string

const (
	StepClick    StepAction = "click"
	StepTypeText StepAction = "type"
	StepSelect   StepAction = "select"
	StepNavigate StepAction = "navigate"
	StepWait     StepAction = "wait"
	StepScroll   StepAction = "scroll"
	StepExtract  StepAction = "extract"
)

func (t StepAction) valid() bool {
	switch t {
	case StepClick, StepTypeText, StepSelect, StepNavigate, StepWait, StepScroll, StepExtract:
		return true
	}
	return false
}

// ActionKind maps the step type onto the executor vocabulary.
func (t StepAction) ActionKind() schemas.ActionKind {
	return schemas.ActionKind(t)
}

// Step is one deterministic action. Selector and Value may contain
// {placeholder} templates resolved against the synthetic identity.
type Step struct {
	Action      StepAction `json:"action" yaml:"action"`
	Selector    string     `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value       string     `json:"value,omitempty" yaml:"value,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	// Phase names the agent state this step belongs to. Untagged steps belong
	// to the first phase the controller delegates in.
	Phase          string `json:"phase,omitempty" yaml:"phase,omitempty"`
	RetryOnFailure int    `json:"retry_on_failure" yaml:"retry_on_failure"`
	// FallbackToLLM overrides the playbook-level flag when set.
	FallbackToLLM *bool `json:"fallback_to_llm,omitempty" yaml:"fallback_to_llm,omitempty"`
}

// Playbook is a named, URL-matched script of steps.
type Playbook struct {
	ID             string   `json:"playbook_id" yaml:"playbook_id"`
	URLPattern     string   `json:"url_pattern" yaml:"url_pattern"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	Steps          []Step   `json:"steps" yaml:"steps"`
	FallbackToLLM  *bool    `json:"fallback_to_llm,omitempty" yaml:"fallback_to_llm,omitempty"`
	MaxDurationSec int      `json:"max_duration_sec" yaml:"max_duration_sec"`
	Author         string   `json:"author,omitempty" yaml:"author,omitempty"`
	Version        string   `json:"version" yaml:"version"`
	TestedURLs     []string `json:"tested_urls,omitempty" yaml:"tested_urls,omitempty"`
	Tags           []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Source is the file the playbook was loaded from, if any.
	Source string `json:"-" yaml:"-"`

	pattern *regexp.Regexp
}

// ValidationError lists everything wrong with a playbook definition.
type ValidationError struct {
	PlaybookID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	id := e.PlaybookID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Sprintf("invalid playbook %s: %s", id, strings.Join(e.Problems, "; "))
}

// ApplyDefaults fills in zero-valued optional fields.
func (p *Playbook) ApplyDefaults() {
	if p.MaxDurationSec == 0 {
		p.MaxDurationSec = DefaultMaxDurationSec
	}
	if p.Version == "" {
		p.Version = DefaultVersion
	}
}

// Validate applies defaults, checks every constraint and compiles the URL
// pattern. It returns a *ValidationError listing all problems found.
func (p *Playbook) Validate() error {
	p.ApplyDefaults()
	var problems []string

	if !idPattern.MatchString(p.ID) {
		problems = append(problems, fmt.Sprintf("playbook_id %q must match %s", p.ID, idPattern))
	}
	if p.URLPattern == "" {
		problems = append(problems, "url_pattern is required")
	} else {
		re, err := regexp.Compile("(?i)" + p.URLPattern)
		if err != nil {
			problems = append(problems, fmt.Sprintf("invalid regex in url_pattern: %v", err))
		} else {
			p.pattern = re
		}
	}
	if len(p.Steps) == 0 {
		problems = append(problems, "steps must contain at least one step")
	}
	if p.MaxDurationSec < MinMaxDurationSec || p.MaxDurationSec > MaxMaxDurationSec {
		problems = append(problems, fmt.Sprintf("max_duration_sec %d outside %d..%d", p.MaxDurationSec, MinMaxDurationSec, MaxMaxDurationSec))
	}
	for i, s := range p.Steps {
		if !s.Action.valid() {
			problems = append(problems, fmt.Sprintf("step %d: unknown action %q", i+1, s.Action))
		}
		if s.RetryOnFailure < 0 || s.RetryOnFailure > MaxRetryOnFailure {
			problems = append(problems, fmt.Sprintf("step %d: retry_on_failure %d outside 0..%d", i+1, s.RetryOnFailure, MaxRetryOnFailure))
		}
	}

	if len(problems) > 0 {
		p.pattern = nil
		return &ValidationError{PlaybookID: p.ID, Problems: problems}
	}
	return nil
}

// IsEnabled reports whether the playbook takes part in matching.
func (p *Playbook) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// FallsBack reports the playbook-level fallback flag.
func (p *Playbook) FallsBack() bool {
	return p.FallbackToLLM == nil || *p.FallbackToLLM
}

// StepFallsBack resolves the effective fallback flag for step i.
func (p *Playbook) StepFallsBack(i int) bool {
	if i >= 0 && i < len(p.Steps) && p.Steps[i].FallbackToLLM != nil {
		return *p.Steps[i].FallbackToLLM
	}
	return p.FallsBack()
}

// MaxDuration is the wall-clock budget for one run.
func (p *Playbook) MaxDuration() time.Duration {
	return time.Duration(p.MaxDurationSec) * time.Second
}

// Matches reports whether the compiled pattern finds a match anywhere in url.
// An unvalidated playbook never matches.
func (p *Playbook) Matches(url string) bool {
	return p.pattern != nil && p.pattern.MatchString(url)
}

// Phases lists the distinct phases the playbook declares steps for, in order
// of first appearance. An untagged step contributes defaultPhase.
func (p *Playbook) Phases(defaultPhase string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range p.Steps {
		ph := s.Phase
		if ph == "" {
			ph = defaultPhase
		}
		if !seen[ph] {
			seen[ph] = true
			out = append(out, ph)
		}
	}
	return out
}

// ForPhase returns a copy restricted to the steps of phase. Untagged steps
// count as defaultPhase. The second result is false when no step applies.
func (p *Playbook) ForPhase(phase, defaultPhase string) (*Playbook, bool) {
	cp := p.clone()
	cp.Steps = cp.Steps[:0:0]
	for _, s := range p.Steps {
		ph := s.Phase
		if ph == "" {
			ph = defaultPhase
		}
		if ph == phase {
			cp.Steps = append(cp.Steps, s)
		}
	}
	return cp, len(cp.Steps) > 0
}

func (p *Playbook) clone() *Playbook {
	cp := *p
	cp.Steps = append([]Step(nil), p.Steps...)
	cp.TestedURLs = append([]string(nil), p.TestedURLs...)
	cp.Tags = append([]string(nil), p.Tags...)
	if p.Enabled != nil {
		v := *p.Enabled
		cp.Enabled = &v
	}
	return &cp
}

// StepResult is the outcome of one step after retries.
type StepResult struct {
	Index    int           `json:"step_index"`
	Action   StepAction    `json:"action"`
	Selector string        `json:"selector,omitempty"`
	Value    string        `json:"value,omitempty"`
	Success  bool          `json:"success"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
	Outcome  string        `json:"outcome,omitempty"`
	FellBack bool          `json:"fell_back_to_llm"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of a full run.
type Result struct {
	PlaybookID     string        `json:"playbook_id"`
	URL            string        `json:"url"`
	Success        bool          `json:"success"`
	CompletedSteps int           `json:"completed_steps"`
	TotalSteps     int           `json:"total_steps"`
	StepResults    []StepResult  `json:"step_results"`
	FellBack       bool          `json:"fell_back_to_llm"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
	Error          string        `json:"error,omitempty"`
	TimedOut       bool          `json:"timed_out,omitempty"`
	Duration       time.Duration `json:"duration"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// Outcome is the metric label for the run.
func (r *Result) Outcome() string {
	switch {
	case r.Success:
		return "success"
	case r.FellBack:
		return "fallback"
	case r.TimedOut:
		return "timeout"
	}
	return "failed"
}
