package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/observability"
)

const (
	// PageTextSnippetLimit bounds the page text carried by guidance_needed.
	PageTextSnippetLimit = 500

	// DefaultGuidanceTimeout applies when a request names no timeout.
	DefaultGuidanceTimeout = 120 * time.Second

	maxPendingInterjections = 32
)

// Sink consumes events. A sink that returns an error or panics is detached.
type Sink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// GuidanceRequest is the context published with guidance_needed.
type GuidanceRequest struct {
	SiteURL          string
	State            string
	ActionsTaken     int
	Threshold        int
	ScreenshotB64    string
	PageTextSnippet  string
	SuggestedActions []GuidanceCommand
	CurrentURL       string
	Timeout          time.Duration
}

func (r GuidanceRequest) data() Data {
	snippet := []rune(r.PageTextSnippet)
	if len(snippet) > PageTextSnippetLimit {
		snippet = snippet[:PageTextSnippetLimit]
	}
	suggested := r.SuggestedActions
	if suggested == nil {
		suggested = []GuidanceCommand{}
	}
	return Data{
		"site_url":          r.SiteURL,
		"state":             r.State,
		"actions_taken":     r.ActionsTaken,
		"threshold":         r.Threshold,
		"screenshot_b64":    r.ScreenshotB64,
		"page_text_snippet": string(snippet),
		"suggested_actions": suggested,
		"current_url":       r.CurrentURL,
	}
}

// Snapshot is the cumulative state a late observer needs to catch up.
type Snapshot struct {
	InvestigationID  string  `json:"investigation_id"`
	State            string  `json:"state"`
	URL              string  `json:"url"`
	ScreenshotB64    string  `json:"screenshot_b64"`
	UptimeSec        float64 `json:"uptime_sec"`
	EventCount       int64   `json:"event_count"`
	ActionCount      int64   `json:"action_count"`
	GuidanceCount    int64   `json:"guidance_count"`
	WalletCount      int64   `json:"wallet_count"`
	AwaitingGuidance bool    `json:"awaiting_guidance"`
	Closed           bool    `json:"closed"`
}

// Bus is the per-investigation event and guidance hub. All methods are safe
// for concurrent use.
type Bus struct {
	id      string
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	sinksMu sync.RWMutex
	sinks   []Sink

	snapMu    sync.Mutex
	snap      Snapshot
	startedAt time.Time

	// gate admits one guidance request at a time; later callers queue.
	gate chan struct{}
	slot guidanceSlot

	interjectMu sync.Mutex
	interjects  []GuidanceCommand

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics records sink detachments and guidance resolutions.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock replaces the wall clock used for timestamps and uptime.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a bus for one investigation.
func New(investigationID string, logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		id:     investigationID,
		logger: logger.Named("bus").With(zap.String("investigation_id", investigationID)),
		now:    time.Now,
		gate:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.startedAt = b.now()
	b.snap.InvestigationID = investigationID
	return b
}

// ID is the investigation the bus belongs to.
func (b *Bus) ID() string { return b.id }

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} { return b.done }

// AddSink registers s. It is safe to call while events are being emitted;
// the sink sees events emitted after registration.
func (b *Bus) AddSink(s Sink) {
	if b.closed.Load() {
		return
	}
	b.sinksMu.Lock()
	defer b.sinksMu.Unlock()
	next := make([]Sink, len(b.sinks), len(b.sinks)+1)
	copy(next, b.sinks)
	b.sinks = append(next, s)
}

// RemoveSink detaches s. Removing an unknown sink is a no-op.
func (b *Bus) RemoveSink(s Sink) bool {
	b.sinksMu.Lock()
	defer b.sinksMu.Unlock()
	for i, cur := range b.sinks {
		if cur == s {
			next := make([]Sink, 0, len(b.sinks)-1)
			next = append(next, b.sinks[:i]...)
			b.sinks = append(next, b.sinks[i+1:]...)
			return true
		}
	}
	return false
}

// SinkCount is the number of attached sinks.
func (b *Bus) SinkCount() int {
	b.sinksMu.RLock()
	defer b.sinksMu.RUnlock()
	return len(b.sinks)
}

// Emit updates the snapshot and forwards the event to every attached sink.
// A sink that fails is detached (and closed, if it is an io.Closer) and the
// failure is swallowed.
func (b *Bus) Emit(ctx context.Context, typ EventType, data Data) {
	if b.closed.Load() {
		return
	}
	typ = NormalizeEventType(typ)
	if data == nil {
		data = Data{}
	}
	ev := Event{Type: typ, Timestamp: b.now().UTC(), InvestigationID: b.id, Data: data}
	b.updateSnapshot(ev)

	b.sinksMu.RLock()
	sinks := b.sinks
	b.sinksMu.RUnlock()

	for _, s := range sinks {
		if err := b.deliver(ctx, s, ev); err != nil {
			if b.RemoveSink(s) {
				if c, ok := s.(io.Closer); ok {
					_ = c.Close()
				}
				b.metrics.SinkDetached()
				b.logger.Warn("Detached failing event sink",
					zap.String("sink", fmt.Sprintf("%T", s)),
					zap.String("event_type", string(typ)),
					zap.Error(err))
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.HandleEvent(ctx, ev)
}

func (b *Bus) updateSnapshot(ev Event) {
	b.snapMu.Lock()
	defer b.snapMu.Unlock()
	b.snap.EventCount++
	switch ev.Type {
	case EventSiteStarted:
		// The phase is only ever taken from state_changed.
		b.snap.URL = ev.Data.String("url")
		b.startedAt = ev.Timestamp
	case EventStateChanged:
		if s := ev.Data.String("new_state"); s != "" {
			b.snap.State = s
		}
	case EventScreenshotUpdate:
		b.snap.ScreenshotB64 = ev.Data.String("screenshot_b64")
		if u := ev.Data.String("url"); u != "" {
			b.snap.URL = u
		}
	case EventActionExecuted:
		b.snap.ActionCount++
	case EventGuidanceNeeded:
		b.snap.GuidanceCount++
	case EventWalletFound:
		n := ev.Data.Int("count")
		if n <= 0 {
			n = 1
		}
		b.snap.WalletCount += int64(n)
	}
}

// Snapshot returns the catch-up state without replaying history.
func (b *Bus) Snapshot() Snapshot {
	b.snapMu.Lock()
	s := b.snap
	s.UptimeSec = roundTenth(b.now().Sub(b.startedAt).Seconds())
	b.snapMu.Unlock()
	s.AwaitingGuidance = b.slot.awaiting()
	s.Closed = b.closed.Load()
	return s
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// RequestGuidance publishes guidance_needed and blocks until an operator
// responds, the timeout elapses (yielding continue) or the context or bus is
// done (yielding skip). Only one request is outstanding at a time; a second
// caller waits for the first to resolve.
func (b *Bus) RequestGuidance(ctx context.Context, req GuidanceRequest) (GuidanceCommand, Resolution) {
	select {
	case b.gate <- struct{}{}:
	case <-ctx.Done():
		return b.resolved(ctx, cancelCommand("investigation cancelled"), ResolvedByCancel)
	case <-b.done:
		return b.resolved(ctx, cancelCommand("investigation closed"), ResolvedByCancel)
	}
	defer func() { <-b.gate }()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultGuidanceTimeout
	}

	reply := b.slot.open()
	b.Emit(ctx, EventGuidanceNeeded, req.data())
	b.logger.Info("Awaiting guidance", zap.String("state", req.State), zap.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cmd := <-reply:
		return b.resolved(ctx, cmd, ResolvedByOperator)
	case <-timer.C:
		if cmd, ok := b.slot.abandon(); ok {
			return b.resolved(ctx, cmd, ResolvedByOperator)
		}
		return b.resolved(ctx, GuidanceCommand{Action: GuidanceContinue, Reason: "guidance timeout"}, ResolvedByTimeout)
	case <-ctx.Done():
		b.slot.abandon()
		return b.resolved(ctx, cancelCommand("investigation cancelled"), ResolvedByCancel)
	case <-b.done:
		b.slot.abandon()
		return b.resolved(ctx, cancelCommand("investigation closed"), ResolvedByCancel)
	}
}

func cancelCommand(reason string) GuidanceCommand {
	return GuidanceCommand{Action: GuidanceSkip, Reason: reason}
}

func (b *Bus) resolved(ctx context.Context, cmd GuidanceCommand, how Resolution) (GuidanceCommand, Resolution) {
	b.metrics.GuidanceRequest(string(how))
	b.logger.Info("Guidance resolved", zap.String("action", string(cmd.Action)), zap.String("resolution", string(how)))
	if how != ResolvedByCancel {
		b.Emit(ctx, EventGuidanceReceived, Data{
			"action":     string(cmd.Action),
			"value":      cmd.Value,
			"reason":     cmd.Reason,
			"resolution": string(how),
		})
	}
	return cmd, how
}

// ProvideGuidance answers the outstanding request. It reports false when no
// request is outstanding.
func (b *Bus) ProvideGuidance(cmd GuidanceCommand) bool {
	return b.slot.deliver(cmd)
}

// AwaitingGuidance reports whether a guidance request is outstanding.
func (b *Bus) AwaitingGuidance() bool {
	return b.slot.awaiting()
}

// RequestInterject queues an unsolicited command for the controller's next
// interjection check.
func (b *Bus) RequestInterject(cmd GuidanceCommand) {
	b.interjectMu.Lock()
	defer b.interjectMu.Unlock()
	if len(b.interjects) >= maxPendingInterjections {
		dropped := b.interjects[0]
		b.interjects = b.interjects[1:]
		b.logger.Warn("Interjection queue full, dropping oldest", zap.String("action", string(dropped.Action)))
	}
	b.interjects = append(b.interjects, cmd)
	b.logger.Info("Interjection queued", zap.String("action", string(cmd.Action)))
}

// CheckInterject pops the oldest pending interjection without blocking.
func (b *Bus) CheckInterject() (GuidanceCommand, bool) {
	b.interjectMu.Lock()
	defer b.interjectMu.Unlock()
	if len(b.interjects) == 0 {
		return GuidanceCommand{}, false
	}
	cmd := b.interjects[0]
	b.interjects = b.interjects[1:]
	return cmd, true
}

// Submit routes an operator command: it answers the outstanding request if
// there is one and is queued as an interjection otherwise.
func (b *Bus) Submit(cmd GuidanceCommand) (Classification, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	if b.ProvideGuidance(cmd) {
		return ClassResponse, nil
	}
	b.RequestInterject(cmd)
	return ClassInterjection, nil
}

// Close detaches every sink, releases any pending guidance wait and rejects
// further events. Sinks that implement io.Closer are closed.
func (b *Bus) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)

		b.sinksMu.Lock()
		sinks := b.sinks
		b.sinks = nil
		b.sinksMu.Unlock()

		for _, s := range sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
		b.logger.Debug("Bus closed", zap.Int("sinks_detached", len(sinks)))
	})
	return errors.Join(errs...)
}
