// Package investigation admits, runs and tracks investigations. The
// Coordinator owns the concurrency ceiling; each admitted investigation runs
// on its own goroutine with its own bus, browser page and cost tracker.
package investigation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/agent"
	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/bus"
	"github.com/xkilldash9x/snare/internal/config"
	"github.com/xkilldash9x/snare/internal/identity"
	"github.com/xkilldash9x/snare/internal/llmclient"
	"github.com/xkilldash9x/snare/internal/observability"
	"github.com/xkilldash9x/snare/internal/playbook"
	"github.com/xkilldash9x/snare/internal/recon"
	"github.com/xkilldash9x/snare/internal/store"
)

const (
	defaultMaxConcurrent = 3
	defaultTimeout       = 15 * time.Minute
)

var errCancelled = errors.New("investigation cancelled")

// PageOpener opens the browser page for one investigation.
type PageOpener interface {
	OpenPage(ctx context.Context) (schemas.PageSession, error)
}

// PageOpenerFunc adapts a function to PageOpener.
type PageOpenerFunc func(ctx context.Context) (schemas.PageSession, error)

func (f PageOpenerFunc) OpenPage(ctx context.Context) (schemas.PageSession, error) { return f(ctx) }

// DeciderFactory builds the vision decider for one run. Model usage is
// charged to tracker.
type DeciderFactory func(tracker *budget.Tracker) agent.Decider

// VisionDeciders builds a VisionDecider per run on a shared client.
func VisionDeciders(client llmclient.Client, metrics *observability.Metrics, logger *zap.Logger) DeciderFactory {
	return func(tracker *budget.Tracker) agent.Decider {
		return agent.NewVisionDecider(client, tracker, metrics, logger)
	}
}

// PlaybookSource hands out the playbook snapshot an investigation starts with.
type PlaybookSource interface {
	Snapshot() *playbook.Matcher
}

// SinkFactory builds the configured sinks for one investigation.
type SinkFactory func(investigationID string) ([]bus.Sink, error)

// Deps are the collaborators shared by every investigation. Store, Pages and
// Deciders are required.
type Deps struct {
	Store     schemas.TaskStore
	Archiver  store.SessionArchiver
	Pages     PageOpener
	Deciders  DeciderFactory
	Playbooks PlaybookSource
	Recon     *recon.Runner
	Registry  *bus.Registry
	Vault     *identity.Vault
	Sinks     SinkFactory
	Metrics   *observability.Metrics
}

// Options tune a single submission.
type Options struct {
	// BudgetUSD overrides agent.token_budget_usd when positive.
	BudgetUSD float64
	// Sinks are attached to the bus before the first event.
	Sinks []bus.Sink
}

// Handle is returned by Submit and follows one investigation.
type Handle struct {
	ID  string
	URL string
	Bus *bus.Bus

	done    chan struct{}
	session *agent.AgentSession
	status  schemas.TaskStatus
	err     error
}

// Done is closed once the investigation has finished and released its slot.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the investigation finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*agent.AgentSession, error) {
	select {
	case <-h.done:
		return h.session, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status is the final task status, or running while in progress.
func (h *Handle) Status() schemas.TaskStatus {
	select {
	case <-h.done:
		return h.status
	default:
		return schemas.TaskRunning
	}
}

type run struct {
	handle *Handle
	opts   Options
	cancel context.CancelCauseFunc
}

// Coordinator admits investigations up to the configured ceiling.
type Coordinator struct {
	cfg      config.InvestigationConfig
	agentCfg config.AgentConfig
	taskTTL  time.Duration
	deps     Deps
	logger   *zap.Logger
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	active  map[string]*run
	closing bool
	wg      sync.WaitGroup
}

// New builds a coordinator from the investigation, agent and store sections
// of cfg.
func New(cfg config.Interface, deps Deps, logger *zap.Logger) (*Coordinator, error) {
	if deps.Store == nil || deps.Pages == nil || deps.Deciders == nil {
		return nil, errors.New("investigation coordinator requires a task store, a page opener and a decider factory")
	}
	invCfg := cfg.Investigation()
	if invCfg.MaxConcurrent <= 0 {
		invCfg.MaxConcurrent = defaultMaxConcurrent
	}
	if invCfg.Timeout <= 0 {
		invCfg.Timeout = defaultTimeout
	}
	if deps.Registry == nil {
		deps.Registry = bus.NewRegistry()
	}
	if deps.Vault == nil {
		deps.Vault = identity.NewVault(invCfg.ProbeDomain)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      invCfg,
		agentCfg: cfg.Agent(),
		taskTTL:  cfg.Store().TaskTTL,
		deps:     deps,
		logger:   logger.Named("investigation"),
		now:      time.Now,
		baseCtx:  baseCtx,
		stop:     stop,
		active:   make(map[string]*run),
	}, nil
}

// Limit is the concurrency ceiling.
func (c *Coordinator) Limit() int { return c.cfg.MaxConcurrent }

// Registry maps running investigations to their buses.
func (c *Coordinator) Registry() *bus.Registry { return c.deps.Registry }

// Submit admits an investigation of rawURL and starts it in the background.
// It returns *ConcurrentLimitError when the ceiling is reached.
func (c *Coordinator) Submit(ctx context.Context, rawURL string, opts Options) (*Handle, error) {
	target, err := validateTarget(rawURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(c.active) >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		c.deps.Metrics.InvestigationRejected()
		c.logger.Warn("Investigation rejected by admission control",
			zap.String("url", target), zap.Int("limit", c.cfg.MaxConcurrent))
		return nil, &ConcurrentLimitError{Limit: c.cfg.MaxConcurrent}
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancelCause(c.baseCtx)
	h := &Handle{ID: id, URL: target, done: make(chan struct{})}
	r := &run{handle: h, opts: opts, cancel: cancel}
	c.active[id] = r
	c.wg.Add(1)
	c.mu.Unlock()

	h.Bus = bus.New(id, c.logger, bus.WithMetrics(c.deps.Metrics))
	if err := c.prepare(ctx, h, opts); err != nil {
		_ = h.Bus.Close()
		c.release(r)
		return nil, err
	}
	c.deps.Registry.Register(h.Bus)
	c.deps.Metrics.InvestigationStarted()
	c.logger.Info("Investigation admitted", zap.String("investigation_id", id), zap.String("url", target))

	go c.run(runCtx, r)
	return h, nil
}

// prepare attaches sinks and writes the pending task record.
func (c *Coordinator) prepare(ctx context.Context, h *Handle, opts Options) error {
	h.Bus.AddSink(bus.NewLoggingSink(c.logger))
	if c.deps.Sinks != nil {
		sinks, err := c.deps.Sinks(h.ID)
		if err != nil {
			return fmt.Errorf("failed to create event sinks: %w", err)
		}
		for _, s := range sinks {
			h.Bus.AddSink(s)
		}
	}
	for _, s := range opts.Sinks {
		h.Bus.AddSink(s)
	}

	now := c.now().UTC()
	rec := &schemas.TaskRecord{
		ID:        h.ID,
		URL:       h.URL,
		Status:    schemas.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
		Result:    map[string]interface{}{"budget_usd": c.budgetFor(opts)},
	}
	if err := c.deps.Store.Set(ctx, rec, c.taskTTL); err != nil {
		return fmt.Errorf("failed to create task record: %w", err)
	}
	return nil
}

func (c *Coordinator) budgetFor(opts Options) float64 {
	if opts.BudgetUSD > 0 {
		return opts.BudgetUSD
	}
	return c.agentCfg.TokenBudgetUSD
}

// release frees the admission slot. It is the only place the active count
// goes down.
func (c *Coordinator) release(r *run) {
	r.cancel(nil)
	c.mu.Lock()
	delete(c.active, r.handle.ID)
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Coordinator) run(ctx context.Context, r *run) {
	h := r.handle
	logger := c.logger.With(zap.String("investigation_id", h.ID))
	status := schemas.TaskError

	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("panic: %v", p)
			logger.Error("Investigation panicked", zap.String("panic", msg), zap.Stack("stack"))
			status = c.fail(context.WithoutCancel(ctx), h, msg)
		}
		h.status = status

		c.deps.Registry.Remove(h.Bus)
		if err := h.Bus.Close(); err != nil {
			logger.Warn("Failed to close event sinks", zap.Error(err))
		}
		c.deps.Metrics.InvestigationFinished(string(status))
		c.release(r)
		logger.Info("Investigation finished", zap.String("status", string(status)))
		close(h.done)
	}()

	status = c.execute(ctx, h, r.opts, logger)
}

func (c *Coordinator) execute(ctx context.Context, h *Handle, opts Options, logger *zap.Logger) schemas.TaskStatus {
	ctx, cancel := context.WithTimeoutCause(ctx, c.cfg.Timeout,
		fmt.Errorf("investigation timed out after %s", c.cfg.Timeout))
	defer cancel()
	fctx := context.WithoutCancel(ctx)

	c.updateTask(fctx, h.ID, schemas.TaskPatch{Status: schemas.TaskRunning}, logger)
	tracker := budget.NewTracker(c.budgetFor(opts))

	if c.deps.Recon != nil {
		report, err := c.deps.Recon.Run(ctx, h.URL, tracker)
		if err != nil {
			if ctx.Err() != nil {
				return c.fail(fctx, h, causeText(ctx))
			}
			logger.Warn("Recon failed", zap.Error(err))
		} else {
			c.updateTask(fctx, h.ID, schemas.TaskPatch{Result: map[string]interface{}{"recon": report.AsMap()}}, logger)
			h.Bus.Emit(ctx, bus.EventProgress, bus.Data{"phase": "recon", "lookups": len(report.Results)})
		}
	}

	page, err := c.deps.Pages.OpenPage(ctx)
	if err != nil {
		return c.fail(fctx, h, fmt.Sprintf("failed to open browser page: %v", err))
	}
	defer func() {
		if err := page.Close(); err != nil {
			logger.Debug("Failed to close browser page", zap.Error(err))
		}
	}()

	var matcher *playbook.Matcher
	if c.deps.Playbooks != nil {
		matcher = c.deps.Playbooks.Snapshot()
	}

	ident, err := c.deps.Vault.Generate()
	if err != nil {
		return c.fail(fctx, h, fmt.Sprintf("failed to generate identity: %v", err))
	}

	ctrl, err := agent.NewController(c.agentCfg, agent.Deps{
		Page:      page,
		Bus:       h.Bus,
		Decider:   c.deps.Deciders(tracker),
		Playbooks: matcher,
		Tracker:   tracker,
		Identity:  ident,
		Store:     c.deps.Store,
		Metrics:   c.deps.Metrics,
	}, logger)
	if err != nil {
		return c.fail(fctx, h, err.Error())
	}
	session := ctrl.Run(ctx, h.URL)
	h.session = session
	if session.Error != "" {
		h.err = errors.New(session.Error)
	}

	if c.deps.Archiver != nil {
		if err := c.deps.Archiver.SaveSession(fctx, SessionRecordFor(h.ID, session)); err != nil {
			logger.Error("Failed to archive agent session", zap.Error(err))
		}
	}

	final := session.CurrentState()
	status := statusFor(final)
	c.updateTask(fctx, h.ID, schemas.TaskPatch{
		Status: status,
		State:  string(final),
		Error:  session.Error,
		Result: map[string]interface{}{
			"agent": session.Summary(),
			"cost":  tracker.Summary(),
		},
	}, logger)
	return status
}

// fail marks the task as errored before the controller could finish it.
func (c *Coordinator) fail(ctx context.Context, h *Handle, msg string) schemas.TaskStatus {
	h.err = errors.New(msg)
	h.Bus.Emit(ctx, bus.EventError, bus.Data{"error": msg})
	c.updateTask(ctx, h.ID, schemas.TaskPatch{
		Status: schemas.TaskError,
		State:  string(agent.StateError),
		Error:  msg,
	}, c.logger.With(zap.String("investigation_id", h.ID)))
	return schemas.TaskError
}

func (c *Coordinator) updateTask(ctx context.Context, id string, patch schemas.TaskPatch, logger *zap.Logger) {
	if _, err := c.deps.Store.Update(ctx, id, patch); err != nil {
		logger.Warn("Failed to update task record", zap.Error(err))
	}
}

// Cancel stops a running investigation. The controller ends it in ERROR
// with reason cancelled.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	r, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	r.cancel(errCancelled)
	c.logger.Info("Investigation cancel requested", zap.String("investigation_id", id))
	return nil
}

// Status reads the task record, which outlives the run.
func (c *Coordinator) Status(ctx context.Context, id string) (*schemas.TaskRecord, error) {
	rec, err := c.deps.Store.Get(ctx, id)
	if errors.Is(err, schemas.ErrTaskNotFound) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Active lists running investigation ids in sorted order.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown rejects new submissions, cancels every running investigation and
// waits for them to release their slots or for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	for _, r := range c.active {
		r.cancel(ErrShuttingDown)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	defer c.stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("investigations still running at shutdown: %w", ctx.Err())
	}
}

func statusFor(s agent.AgentState) schemas.TaskStatus {
	switch s {
	case agent.StateComplete:
		return schemas.TaskComplete
	case agent.StateSkipped:
		return schemas.TaskSkipped
	default:
		return schemas.TaskError
	}
}

func validateTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	return u.String(), nil
}

func causeText(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil {
		return err.Error()
	}
	return errCancelled.Error()
}
