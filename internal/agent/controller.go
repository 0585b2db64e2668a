// Package agent implements the active interaction state machine that walks a
// suspected scam site from its landing page to the deposit wallets.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/bus"
	"github.com/xkilldash9x/snare/internal/config"
	"github.com/xkilldash9x/snare/internal/humanoid"
	"github.com/xkilldash9x/snare/internal/identity"
	"github.com/xkilldash9x/snare/internal/observability"
	"github.com/xkilldash9x/snare/internal/playbook"
)

const (
	defaultMaxSteps       = 50
	defaultStuckThreshold = 15
	defaultHistorySize    = 12

	// A page is blank when both its text and its screenshot are this small.
	blankPageMinText  = 20
	blankPageMinShot  = 5000
	maxBlankPageWait  = 5 * time.Second
	duplicateShotWait = 2 * time.Second
)

// Deps are the collaborators of one controller run.
type Deps struct {
	Page    schemas.PageSession
	Bus     *bus.Bus
	Decider Decider
	// Playbooks is the snapshot taken when the investigation started.
	Playbooks *playbook.Matcher
	Tracker   *budget.Tracker
	Identity  *identity.Identity
	Store     schemas.TaskStore
	Metrics   *observability.Metrics
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleep overrides the wait used while a page is blank or unchanged.
func WithSleep(sleep humanoid.SleepFunc) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(c *Controller) { c.sessionID = id }
}

// Controller drives one investigation. It is not reusable.
type Controller struct {
	cfg       config.AgentConfig
	deps      Deps
	engine    *playbook.Engine
	logger    *zap.Logger
	now       func() time.Time
	sleep     humanoid.SleepFunc
	sessionID string

	session        *AgentSession
	fields         map[string]string
	pb             *playbook.Playbook
	phasesRun      map[AgentState]bool
	actionsInState int
	recent         []string
	forceStuck     bool
	instruction    string
	pendingShot    string

	blankRetries int
	lastShot     [sha256.Size]byte
	haveShot     bool
	dupes        int
}

// ending is how the loop stopped.
type ending struct {
	state  AgentState
	reason TerminationReason
	err    string
}

// NewController wires a controller. Page, Bus and Decider are required.
func NewController(cfg config.AgentConfig, deps Deps, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if deps.Page == nil || deps.Bus == nil || deps.Decider == nil {
		return nil, errors.New("agent controller requires a page session, an event bus and a decider")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = defaultStuckThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.GuidanceTimeout <= 0 {
		cfg.GuidanceTimeout = bus.DefaultGuidanceTimeout
	}

	c := &Controller{
		cfg:       cfg,
		deps:      deps,
		now:       time.Now,
		sleep:     humanoid.Sleep,
		phasesRun: make(map[AgentState]bool),
		fields:    map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	c.logger = logger.Named("agent").With(
		zap.String("investigation_id", deps.Bus.ID()),
		zap.String("session_id", c.sessionID))
	c.engine = playbook.NewEngine(deps.Page, logger, playbook.WithClock(c.now))
	if deps.Identity != nil {
		c.fields = deps.Identity.Fields()
	}
	return c, nil
}

// Run walks target until a terminal state and returns the closed session.
// Cancelling ctx ends the session in ERROR with reason cancelled.
func (c *Controller) Run(ctx context.Context, target string) *AgentSession {
	c.session = NewAgentSession(c.sessionID, target, c.now())
	c.logger.Info("Starting active interaction", zap.String("url", target))
	c.emit(ctx, bus.EventSiteStarted, bus.Data{"url": target, "session_id": c.sessionID})

	if c.deps.Playbooks != nil {
		if pb := c.deps.Playbooks.Match(target); pb != nil {
			c.pb = pb
			c.session.PlaybookID = pb.ID
			c.emit(ctx, bus.EventPlaybookMatched, bus.Data{
				"playbook_id": pb.ID,
				"url":         target,
				"phases":      pb.Phases(string(DefaultPlaybookPhase)),
			})
		}
	}

	c.finalize(ctx, c.loop(ctx, target))
	return c.session
}

func (c *Controller) loop(ctx context.Context, target string) ending {
	if e, stop := c.loadSite(ctx, target); stop {
		return e
	}
	for {
		if st := c.session.CurrentState(); st.IsTerminal() {
			return ending{state: st, reason: ReasonCompleted}
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		if n := c.session.StepCount(); n >= c.cfg.MaxSteps {
			return ending{state: StateError, reason: ReasonStepLimit, err: fmt.Sprintf("step limit of %d reached", c.cfg.MaxSteps)}
		}
		if e, stop := c.iterate(ctx); stop {
			return e
		}
		if err := c.checkBudget(); err != nil {
			return ending{state: StateError, reason: ReasonBudgetExceeded, err: err.Error()}
		}
	}
}

// loadSite is the first iteration: it navigates before any decision is made.
func (c *Controller) loadSite(ctx context.Context, target string) (ending, bool) {
	action := schemas.NewAgentAction(schemas.ActionNavigate, "load target site", 1)
	action.Value = target
	step := c.execute(ctx, StateInit, nil, action, SourceSystem, Decision{})
	if ctx.Err() != nil {
		return cancelled(ctx), true
	}
	if step.Failed() {
		return ending{state: StateError, reason: ReasonAgentFail, err: "failed to load site: " + step.Error}, true
	}
	c.advance(ctx, StateLoadSite, "navigation finished")
	c.advance(ctx, StateFindRegister, "site loaded")
	return ending{}, false
}

// iterate runs one pass of the loop. It returns true when the session must stop.
func (c *Controller) iterate(ctx context.Context) (ending, bool) {
	state := c.session.CurrentState()
	obs, err := c.deps.Page.Observe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx), true
		}
		c.logger.Warn("Failed to observe page", zap.String("state", string(state)), zap.Error(err))
		c.record(ctx, AgentStep{State: state, Source: SourceSystem, Timestamp: c.now(), Error: "observe: " + err.Error()})
		c.actionsInState++
		return ending{}, false
	}
	c.session.visit(obs.URL)

	if cmd, ok := c.deps.Bus.CheckInterject(); ok {
		c.logger.Info("Operator interjection", zap.String("action", string(cmd.Action)))
		return c.applyGuidance(ctx, state, obs, cmd)
	}

	if c.pb != nil && !c.phasesRun[state] {
		if phase, ok := c.pb.ForPhase(string(state), string(DefaultPlaybookPhase)); ok {
			c.phasesRun[state] = true
			c.runPlaybook(ctx, state, phase, obs)
			return ending{}, false
		}
	}

	if c.stuck(state) {
		return c.requestGuidance(ctx, state, obs)
	}
	return c.decide(ctx, state, obs)
}

func (c *Controller) runPlaybook(ctx context.Context, state AgentState, pb *playbook.Playbook, obs *schemas.PageObservation) {
	c.logger.Info("Running playbook phase", zap.String("playbook_id", pb.ID), zap.String("state", string(state)), zap.Int("steps", len(pb.Steps)))
	res := c.engine.Run(ctx, pb, obs.URL, c.fields)
	c.deps.Metrics.PlaybookRun(res.Outcome())

	step := AgentStep{
		State:       state,
		Source:      SourcePlaybook,
		Observation: obs,
		Outcome:     fmt.Sprintf("playbook %s: %s (%d/%d steps)", pb.ID, res.Outcome(), res.CompletedSteps, res.TotalSteps),
		Timestamp:   res.StartedAt,
		Duration:    res.Duration,
		Playbook:    res,
	}
	if n := len(res.StepResults); n > 0 {
		last := res.StepResults[n-1]
		step.Action = schemas.AgentAction{
			Kind:       last.Action.ActionKind(),
			Selector:   last.Selector,
			Value:      last.Value,
			Reasoning:  pb.Steps[last.Index].Description,
			Confidence: 1,
		}
	}
	if !res.Success {
		step.Error = firstNonEmpty(res.Error, res.FallbackReason, "playbook did not complete")
	}
	c.record(ctx, step)

	for _, sr := range res.StepResults {
		if !sr.Success {
			continue
		}
		switch sr.Action {
		case playbook.StepExtract:
			c.foundWallets(ctx, FindWallets(sr.Outcome, "playbook_extract"))
		case playbook.StepTypeText:
			for _, field := range playbook.Placeholders(pb.Steps[sr.Index].Value) {
				if _, ok := c.fields[field]; ok {
					c.session.submitted(field)
				}
			}
		}
	}

	c.emit(ctx, bus.EventPlaybookCompleted, bus.Data{
		"playbook_id":     pb.ID,
		"phase":           string(state),
		"outcome":         res.Outcome(),
		"success":         res.Success,
		"completed_steps": res.CompletedSteps,
		"total_steps":     res.TotalSteps,
		"fell_back":       res.FellBack,
		"fallback_reason": res.FallbackReason,
		"error":           res.Error,
		"duration_sec":    res.Duration.Seconds(),
	})

	if !res.Success {
		c.logger.Info("Playbook phase incomplete, continuing with vision reasoning",
			zap.Bool("fell_back", res.FellBack), zap.String("reason", step.Error))
		return
	}
	if next, ok := state.Next(); ok {
		c.advance(ctx, next, "playbook "+pb.ID+" completed phase")
	}
}

func (c *Controller) decide(ctx context.Context, state AgentState, obs *schemas.PageObservation) (ending, bool) {
	shot, err := c.deps.Page.Screenshot(ctx)
	if err != nil {
		c.logger.Debug("Decision screenshot unavailable", zap.Error(err))
	} else if e, stop, skip := c.screen(ctx, state, obs, shot); skip {
		return e, stop
	}
	req := DecisionRequest{
		State:       state,
		Observation: obs,
		Identity:    c.fields,
		History:     c.session.history(c.cfg.HistorySize),
		Instruction: c.instruction,
		Screenshot:  shot,
	}
	c.instruction = ""

	d, err := c.deps.Decider.Decide(ctx, req)
	c.session.recordLLMCall(state)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx), true
		}
		if errors.Is(err, budget.ErrBudgetExceeded) {
			return ending{state: StateError, reason: ReasonBudgetExceeded, err: err.Error()}, true
		}
		c.logger.Warn("Vision reasoning failed", zap.Error(err))
		d = Decision{Action: schemas.NewAgentAction(schemas.ActionFail, err.Error(), 0)}
	}

	switch d.Action.Kind {
	case schemas.ActionDone:
		c.record(ctx, AgentStep{
			State: state, Source: SourceVision, Observation: obs, Action: d.Action,
			Outcome: "phase complete", Timestamp: c.now(),
			InputTokens: d.InputTokens, OutputTokens: d.OutputTokens, Duration: d.Latency,
		})
		if state == StateExtractWallets {
			c.foundWallets(ctx, FindWallets(d.Action.Value+"\n"+obs.Text, "vision_done"))
		}
		next, ok := state.Next()
		if d.NextState != "" && !d.NextState.IsTerminal() && CanTransition(state, d.NextState) == nil {
			next, ok = d.NextState, true
		}
		if ok {
			c.advance(ctx, next, firstNonEmpty(d.Action.Reasoning, "phase done"))
		}
		return ending{}, false

	case schemas.ActionFail:
		c.record(ctx, AgentStep{
			State: state, Source: SourceVision, Observation: obs, Action: d.Action,
			Timestamp: c.now(), Error: d.Action.Reasoning,
			InputTokens: d.InputTokens, OutputTokens: d.OutputTokens, Duration: d.Latency,
		})
		return ending{state: StateError, reason: ReasonAgentFail, err: firstNonEmpty(d.Action.Reasoning, "agent gave up")}, true
	}

	c.execute(ctx, state, obs, d.Action, SourceVision, d)
	c.actionsInState++
	c.trackRepeats(d.Action)

	if d.NextState != "" && d.NextState != state {
		if d.NextState.IsTerminal() || CanTransition(state, d.NextState) != nil {
			c.logger.Warn("Ignoring state change outside the transition table",
				zap.String("from", string(state)), zap.String("to", string(d.NextState)))
		} else {
			c.advance(ctx, d.NextState, firstNonEmpty(d.Action.Reasoning, "model requested phase change"))
		}
	}
	return ending{}, false
}

// screen spends the iteration waiting instead of calling the model when the
// page is still blank or has not changed since the last decision. skip is
// true when no decision should be made this iteration.
func (c *Controller) screen(ctx context.Context, state AgentState, obs *schemas.PageObservation, shot []byte) (e ending, stop, skip bool) {
	if c.cfg.BlankPageCheck && len(strings.TrimSpace(obs.Text)) < blankPageMinText && len(shot) < blankPageMinShot {
		c.blankRetries++
		c.session.recordWasted(state)
		limit := c.cfg.BlankPageRetriesFor(string(state))
		c.logger.Info("Page looks blank", zap.String("state", string(state)),
			zap.Int("retry", c.blankRetries), zap.Int("max_retries", limit), zap.Int("screenshot_bytes", len(shot)))

		if state == StateNavigateDeposit && c.blankRetries >= limit {
			return ending{state: StateSkipped, reason: ReasonBrokenDepositPage,
				err: fmt.Sprintf("deposit page still blank after %d retries", c.blankRetries)}, true, true
		}
		if c.blankRetries <= limit {
			wait := min(time.Duration(2+c.blankRetries)*time.Second, maxBlankPageWait)
			c.emit(ctx, bus.EventLog, bus.Data{
				"message": fmt.Sprintf("page blank, waiting %s (%d/%d)", wait, c.blankRetries, limit),
				"state":   string(state),
			})
			if err := c.sleep(ctx, wait); err != nil {
				return cancelled(ctx), true, true
			}
			c.actionsInState++
			return ending{}, false, true
		}
		// Out of retries: let the model look at it anyway.
	} else {
		c.blankRetries = 0
	}

	limit := c.cfg.DuplicateScreenshotLimit
	if limit <= 0 {
		return ending{}, false, false
	}
	sum := sha256.Sum256(shot)
	if !c.haveShot || sum != c.lastShot {
		c.lastShot, c.haveShot, c.dupes = sum, true, 0
		return ending{}, false, false
	}
	c.dupes++
	c.session.recordWasted(state)
	if c.dupes >= limit {
		c.logger.Warn("Screenshot unchanged, asking for guidance", zap.String("state", string(state)), zap.Int("duplicates", c.dupes))
		c.forceStuck = true
		return ending{}, false, true
	}
	c.logger.Debug("Screenshot unchanged, waiting", zap.Int("duplicates", c.dupes))
	if err := c.sleep(ctx, duplicateShotWait); err != nil {
		return cancelled(ctx), true, true
	}
	c.actionsInState++
	return ending{}, false, true
}

func (c *Controller) stuck(state AgentState) bool {
	return c.forceStuck || c.actionsInState >= c.cfg.StuckThresholdFor(string(state))
}

func (c *Controller) resetStuck() {
	c.actionsInState = 0
	c.recent = c.recent[:0]
	c.forceStuck = false
	c.blankRetries = 0
	c.haveShot = false
	c.dupes = 0
}

func (c *Controller) trackRepeats(a schemas.AgentAction) {
	limit := c.cfg.MaxRepeatedActions
	if limit <= 0 {
		return
	}
	c.recent = append(c.recent, a.Signature())
	if len(c.recent) > limit {
		c.recent = c.recent[len(c.recent)-limit:]
	}
	if len(c.recent) < limit {
		return
	}
	for _, sig := range c.recent[1:] {
		if sig != c.recent[0] {
			return
		}
	}
	c.logger.Warn("Repeated identical actions, asking for guidance", zap.String("signature", c.recent[0]), zap.Int("count", limit))
	c.forceStuck = true
}

func (c *Controller) requestGuidance(ctx context.Context, state AgentState, obs *schemas.PageObservation) (ending, bool) {
	var b64 string
	if shot, err := c.deps.Page.Screenshot(ctx); err == nil {
		b64 = base64.StdEncoding.EncodeToString(shot)
	}
	c.session.recordGuidance()
	c.logger.Info("Requesting operator guidance", zap.String("state", string(state)), zap.Int("actions_in_state", c.actionsInState))

	cmd, how := c.deps.Bus.RequestGuidance(ctx, bus.GuidanceRequest{
		SiteURL:         c.session.TargetURL,
		State:           string(state),
		ActionsTaken:    c.actionsInState,
		Threshold:       c.cfg.StuckThresholdFor(string(state)),
		ScreenshotB64:   b64,
		PageTextSnippet: obs.Text,
		SuggestedActions: []bus.GuidanceCommand{
			{Action: bus.GuidanceContinue, Reason: "let the agent keep trying"},
			{Action: bus.GuidanceSkip, Reason: "site cannot be progressed"},
		},
		CurrentURL: obs.URL,
		Timeout:    c.cfg.GuidanceTimeout,
	})
	if how == bus.ResolvedByCancel && ctx.Err() != nil {
		return cancelled(ctx), true
	}
	return c.applyGuidance(ctx, state, obs, cmd)
}

// applyGuidance turns an operator command into controller behaviour.
func (c *Controller) applyGuidance(ctx context.Context, state AgentState, obs *schemas.PageObservation, cmd bus.GuidanceCommand) (ending, bool) {
	var action schemas.AgentAction
	reason := firstNonEmpty(cmd.Reason, "operator "+string(cmd.Action))

	switch cmd.Action {
	case bus.GuidanceSkip:
		return ending{state: StateSkipped, reason: ReasonSkipped, err: reason}, true
	case bus.GuidanceStop:
		return ending{state: StateError, reason: ReasonOperatorStop, err: reason}, true
	case bus.GuidanceContinue:
		c.resetStuck()
		if cmd.Value != "" {
			c.instruction = cmd.Value
		}
		return ending{}, false
	case bus.GuidanceGoto:
		action = schemas.NewAgentAction(schemas.ActionNavigate, reason, 1)
		action.Value = cmd.Value
	case bus.GuidanceScroll:
		action = schemas.NewAgentAction(schemas.ActionScroll, reason, 1)
		action.Value = cmd.Value
	case bus.GuidanceClick:
		action = targeted(schemas.NewAgentAction(schemas.ActionClick, reason, 1), cmd.Value)
	case bus.GuidanceType, bus.GuidanceSelect:
		target, text, ok := strings.Cut(cmd.Value, "|")
		if !ok {
			c.logger.Warn("Ignoring operator command without a target", zap.String("action", string(cmd.Action)))
			return ending{}, false
		}
		kind := schemas.ActionType
		if cmd.Action == bus.GuidanceSelect {
			kind = schemas.ActionSelect
		}
		action = targeted(schemas.NewAgentAction(kind, reason, 1), target)
		action.Value = text
	default:
		c.logger.Warn("Ignoring unknown operator command", zap.String("action", string(cmd.Action)))
		return ending{}, false
	}

	c.resetStuck()
	c.execute(ctx, state, obs, action, SourceOperator, Decision{})
	return ending{}, false
}

// targeted points a at an element index when target is numeric, otherwise at
// a selector.
func targeted(a schemas.AgentAction, target string) schemas.AgentAction {
	target = strings.TrimSpace(target)
	if idx, err := strconv.Atoi(target); err == nil {
		return a.WithElement(idx)
	}
	a.Selector = target
	return a
}

// execute performs a browser action and records it as a step.
func (c *Controller) execute(ctx context.Context, state AgentState, obs *schemas.PageObservation, action schemas.AgentAction, source StepSource, d Decision) AgentStep {
	started := c.now()
	step := AgentStep{
		State:        state,
		Source:       source,
		Observation:  obs,
		Action:       action,
		Timestamp:    started,
		InputTokens:  d.InputTokens,
		OutputTokens: d.OutputTokens,
	}

	var outcome string
	if action.Kind == schemas.ActionScreenshot {
		outcome = c.captureScreenshot(ctx, state, fmt.Sprintf("step_%03d", c.session.StepCount()+1), &step.ScreenshotAfter)
	} else {
		var elements []schemas.InteractiveElement
		if obs != nil {
			elements = obs.Elements
		}
		outcome = c.deps.Page.Execute(ctx, action, elements)
	}
	step.Duration = c.now().Sub(started) + d.Latency

	if schemas.IsErrorOutcome(outcome) {
		step.Error = schemas.OutcomeError(outcome)
	} else {
		step.Outcome = outcome
		switch action.Kind {
		case schemas.ActionType:
			c.trackTyped(action.Value)
		case schemas.ActionNavigate:
			c.session.visit(action.Value)
		}
	}

	step = c.record(ctx, step)
	c.deps.Metrics.AgentStep(string(action.Kind))

	value := action.Value
	if action.Kind == schemas.ActionType {
		value = observability.Mask(value)
	}
	data := bus.Data{
		"step":     step.Number,
		"state":    string(state),
		"source":   string(source),
		"action":   string(action.Kind),
		"selector": action.Selector,
		"value":    value,
		"outcome":  truncate(outcome, 300),
		"success":  !step.Failed(),
	}
	if action.ElementIndex != nil {
		data["element_index"] = *action.ElementIndex
	}
	c.emit(ctx, bus.EventActionExecuted, data)
	return step
}

func (c *Controller) trackTyped(value string) {
	if value == "" {
		return
	}
	for field, v := range c.fields {
		if v == value {
			c.session.submitted(field)
		}
	}
}

func (c *Controller) record(ctx context.Context, step AgentStep) AgentStep {
	if c.pendingShot != "" && step.ScreenshotBefore == "" {
		step.ScreenshotBefore = c.pendingShot
		c.pendingShot = ""
	}
	recorded, err := c.session.appendStep(step)
	if err != nil {
		c.logger.Warn("Dropping step on closed session", zap.Error(err))
		return step
	}
	c.emit(ctx, bus.EventProgress, bus.Data{
		"step":      recorded.Number,
		"max_steps": c.cfg.MaxSteps,
		"state":     string(recorded.State),
	})
	return recorded
}

// advance moves to another state through the transition table.
func (c *Controller) advance(ctx context.Context, to AgentState, reason string) bool {
	from, err := c.session.transition(to, reason, c.now())
	if err != nil {
		c.logger.Warn("Rejected state transition", zap.String("to", string(to)), zap.Error(err))
		return false
	}
	c.resetStuck()
	c.logger.Info("State changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	c.emit(ctx, bus.EventStateChanged, bus.Data{"old_state": string(from), "new_state": string(to), "reason": reason})
	c.updateStore(ctx, schemas.TaskPatch{State: string(to)})
	if to.IsMilestone() {
		var ref string
		c.captureScreenshot(ctx, to, "milestone_"+strings.ToLower(string(to)), &ref)
		c.pendingShot = ref
	}
	return true
}

// captureScreenshot grabs the viewport, publishes it and stores it under
// ScreenshotDir when one is configured.
func (c *Controller) captureScreenshot(ctx context.Context, state AgentState, label string, ref *string) string {
	shot, err := c.deps.Page.Screenshot(ctx)
	if err != nil {
		c.logger.Warn("Screenshot failed", zap.String("label", label), zap.Error(err))
		return schemas.ErrorOutcome("screenshot failed: " + err.Error())
	}
	b64 := base64.StdEncoding.EncodeToString(shot)
	*ref = label
	if dir := c.cfg.ScreenshotDir; dir != "" {
		path := filepath.Join(dir, c.sessionID, label+".png")
		if err := writeFile(path, shot); err != nil {
			c.logger.Warn("Failed to save screenshot", zap.String("path", path), zap.Error(err))
		} else {
			*ref = path
		}
	}
	c.session.addScreenshot(*ref)
	c.emit(ctx, bus.EventScreenshotUpdate, bus.Data{"screenshot_b64": b64, "state": string(state), "label": label})
	return "screenshot captured: " + *ref
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Controller) foundWallets(ctx context.Context, found []Wallet) {
	for _, w := range c.session.addWallets(found) {
		c.logger.Info("Wallet found", zap.String("chain", w.Chain), zap.String("address", w.Address))
		c.emit(ctx, bus.EventWalletFound, bus.Data{"address": w.Address, "chain": w.Chain, "source": w.Source})
	}
}

func (c *Controller) checkBudget() error {
	if c.deps.Tracker == nil {
		return nil
	}
	return c.deps.Tracker.Check()
}

// finalize forces the terminal state and closes the session. It runs on a
// context detached from cancellation so the final events still go out.
func (c *Controller) finalize(ctx context.Context, e ending) {
	fctx := context.WithoutCancel(ctx)
	if !c.session.CurrentState().IsTerminal() {
		c.advance(fctx, e.state, string(e.reason))
	}

	cost, remaining := 0.0, -1.0
	if t := c.deps.Tracker; t != nil {
		t.RecordBrowserSeconds(c.now().Sub(c.session.StartedAt).Seconds())
		s := t.Summary()
		cost, remaining = s.TotalUSD, s.RemainingUSD
	}
	c.session.finish(e.reason, e.err, cost, remaining, c.now())

	final := c.session.CurrentState()
	fields := []zap.Field{
		zap.String("state", string(final)),
		zap.String("reason", string(e.reason)),
		zap.Int("steps", c.session.StepCount()),
		zap.Int("wallets", len(c.session.Wallets)),
	}
	if e.err != "" {
		fields = append(fields, zap.String("error", e.err))
	}
	c.logger.Info("Active interaction finished", fields...)

	c.emit(fctx, bus.EventSiteCompleted, bus.Data{
		"state":       string(final),
		"reason":      string(e.reason),
		"error":       e.err,
		"steps":       c.session.StepCount(),
		"wallets":     len(c.session.Wallets),
		"cost_usd":    cost,
		"playbook_id": c.session.PlaybookID,
	})
	c.updateStore(fctx, schemas.TaskPatch{State: string(final)})
}

func (c *Controller) emit(ctx context.Context, typ bus.EventType, data bus.Data) {
	c.deps.Bus.Emit(ctx, typ, data)
}

func (c *Controller) updateStore(ctx context.Context, patch schemas.TaskPatch) {
	if c.deps.Store == nil {
		return
	}
	if _, err := c.deps.Store.Update(ctx, c.deps.Bus.ID(), patch); err != nil && !errors.Is(err, schemas.ErrTaskNotFound) {
		c.logger.Warn("Failed to update task status", zap.Error(err))
	}
}

func cancelled(ctx context.Context) ending {
	msg := "investigation cancelled"
	if err := context.Cause(ctx); err != nil {
		msg = err.Error()
	}
	return ending{state: StateError, reason: ReasonCancelled, err: msg}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
