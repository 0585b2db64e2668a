package playbook

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/observability"
)

const (
	defaultWaitSeconds  = 2.0
	maxWaitSeconds      = 10.0
	defaultScrollPixels = 500
)

// Engine runs playbooks step by step against an ActionExecutor.
type Engine struct {
	executor schemas.ActionExecutor
	logger   *zap.Logger
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces the wall clock used for the duration budget.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine bound to one browser executor.
func NewEngine(executor schemas.ActionExecutor, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{executor: executor, logger: logger.Named("playbook_engine"), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the steps of pb in order. Templates are resolved against
// fields before each step. A failing step is retried RetryOnFailure more
// times with no delay of its own; if it still fails the run either falls
// back to vision reasoning or fails outright, depending on the effective
// fallback flag. The duration budget is checked before every step and an
// overrun is handled like a failed step.
func (e *Engine) Run(ctx context.Context, pb *Playbook, url string, fields map[string]string) *Result {
	start := e.now()
	deadline := start.Add(pb.MaxDuration())
	logger := e.logger.With(zap.String("playbook_id", pb.ID))

	res := &Result{
		PlaybookID: pb.ID,
		URL:        url,
		TotalSteps: len(pb.Steps),
		StartedAt:  start.UTC(),
	}

	completed := true
	for i, step := range pb.Steps {
		if err := ctx.Err(); err != nil {
			res.Error = fmt.Sprintf("cancelled at step %d/%d: %v", i+1, len(pb.Steps), err)
			completed = false
			break
		}
		if now := e.now(); !now.Before(deadline) {
			res.TimedOut = true
			res.Error = fmt.Sprintf("time budget exceeded at step %d/%d after %.1fs (budget: %ds)",
				i+1, len(pb.Steps), now.Sub(start).Seconds(), pb.MaxDurationSec)
			logger.Warn("Playbook time budget exceeded", zap.Int("step", i+1))
			if pb.StepFallsBack(i) {
				res.FellBack = true
				res.FallbackReason = "time budget exceeded"
			}
			completed = false
			break
		}

		selector := Resolve(step.Selector, fields, logger)
		value := Resolve(step.Value, fields, logger)

		sr := e.runStep(ctx, i, step, selector, value)
		res.StepResults = append(res.StepResults, sr)
		if sr.Success {
			res.CompletedSteps++
			continue
		}

		completed = false
		logger.Warn("Playbook step failed",
			zap.Int("step", i+1),
			zap.Int("total", len(pb.Steps)),
			zap.String("action", string(step.Action)),
			zap.String("selector", truncate(selector, 60)),
			zap.String("error", sr.Error))

		if pb.StepFallsBack(i) {
			res.StepResults[len(res.StepResults)-1].FellBack = true
			res.FellBack = true
			res.FallbackReason = fmt.Sprintf("Step %d (%s %s) failed: %s", i+1, step.Action, truncate(selector, 40), sr.Error)
			logger.Info("Falling back to vision reasoning", zap.Int("step", i+1))
		} else {
			res.Error = fmt.Sprintf("Step %d failed without fallback: %s %s", i+1, step.Action, truncate(selector, 40))
		}
		break
	}

	res.Success = completed
	end := e.now()
	res.Duration = end.Sub(start)
	res.CompletedAt = end.UTC()

	logger.Info("Playbook run finished",
		zap.String("outcome", res.Outcome()),
		zap.Int("completed_steps", res.CompletedSteps),
		zap.Int("total_steps", res.TotalSteps),
		zap.Duration("duration", res.Duration))
	return res
}

func (e *Engine) runStep(ctx context.Context, index int, step Step, selector, value string) StepResult {
	action := schemas.AgentAction{
		Kind:       step.Action.ActionKind(),
		Selector:   selector,
		Value:      normalizeValue(step.Action, value),
		Reasoning:  step.Description,
		Confidence: 1,
	}

	sr := StepResult{
		Index:    index,
		Action:   step.Action,
		Selector: selector,
		Value:    redact(step.Action, value),
	}
	started := e.now()
	attempts := 1 + step.RetryOnFailure
	for attempt := 1; attempt <= attempts; attempt++ {
		sr.Attempts = attempt
		outcome := e.executor.Execute(ctx, action, nil)
		if !schemas.IsErrorOutcome(outcome) {
			sr.Success = true
			sr.Error = ""
			sr.Outcome = outcome
			break
		}
		sr.Error = schemas.OutcomeError(outcome)
		e.logger.Debug("Playbook step attempt failed",
			zap.Int("step", index+1), zap.Int("attempt", attempt), zap.Int("max_attempts", attempts), zap.String("error", sr.Error))
		if ctx.Err() != nil {
			break
		}
	}
	sr.Duration = e.now().Sub(started)
	return sr
}

// normalizeValue applies the wait and scroll defaults and caps.
func normalizeValue(action StepAction, value string) string {
	switch action {
	case StepWait:
		secs, err := strconv.ParseFloat(value, 64)
		if err != nil || secs <= 0 {
			secs = defaultWaitSeconds
		}
		if secs > maxWaitSeconds {
			secs = maxWaitSeconds
		}
		return strconv.FormatFloat(secs, 'f', -1, 64)
	case StepScroll:
		px, err := strconv.Atoi(value)
		if err != nil || px == 0 {
			px = defaultScrollPixels
		}
		return strconv.Itoa(px)
	}
	return value
}

// redact masks typed values so step results never carry PII in clear.
func redact(action StepAction, value string) string {
	if value == "" || action != StepTypeText {
		return value
	}
	return observability.Mask(value)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
