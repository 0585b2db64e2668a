package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/browser/stealth"
	"github.com/xkilldash9x/snare/internal/config"
	"github.com/xkilldash9x/snare/internal/humanoid"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultActionTimeout     = 30 * time.Second
)

// ErrManagerClosed is returned by NewSession after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Manager owns the Chrome process and hands out one tab per investigation.
// The browser is started lazily on the first session request.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	initOnce      sync.Once
	initErr       error
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a manager. No browser is launched until NewSession.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*Session),
	}
}

// allocatorFlags lists the command line flags Chrome is started with.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":               cfg.Headless,
		"disable-gpu":            true,
		"no-sandbox":             true,
		"disable-dev-shm-usage":  true,
		"enable-automation":      false,
		"disable-blink-features": "AutomationControlled",
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", w, h)
	}
	for _, arg := range cfg.Args {
		key, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if hasValue {
			flags[key] = value
		} else {
			flags[key] = true
		}
	}
	return flags
}

// DefaultAllocatorOptions builds the exec allocator options for cfg.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for key, value := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(key, value))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless))
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(m.cfg)...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx,
			chromedp.WithLogf(m.logger.Sugar().Debugf),
			chromedp.WithErrorf(m.logger.Sugar().Warnf))
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			m.initErr = fmt.Errorf("failed to launch browser: %w", err)
			return
		}
		m.allocCancel = allocCancel
		m.browserCtx = browserCtx
		m.browserCancel = browserCancel
	})
	return m.initErr
}

// NewSession opens a new tab. The tab lives until Close or Shutdown, not
// until ctx is done; ctx only bounds the tab's creation.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := m.initialize(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	id := uuid.NewString()
	logger := m.logger.With(zap.String("session_id", id))
	tab, cancel := chromedp.NewContext(m.browserCtx)

	navTimeout := m.cfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = defaultNavigationTimeout
	}
	actionTimeout := m.cfg.ActionTimeout
	if actionTimeout <= 0 {
		actionTimeout = defaultActionTimeout
	}
	driver := &cdpDriver{
		tab:           tab,
		pacer:         humanoid.New(m.cfg.Humanoid, time.Now().UnixNano()),
		navTimeout:    navTimeout,
		actionTimeout: actionTimeout,
		logger:        logger,
	}
	s := &Session{
		id:       id,
		tab:      tab,
		cancel:   cancel,
		logger:   logger,
		driver:   driver,
		executor: NewExecutor(driver, logger),
	}
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.wg.Done()
	}

	// The first Run creates the target and must see the tab context itself,
	// otherwise the tab dies with ctx.
	if err := chromedp.Run(tab); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}
	if w, h := m.cfg.Viewport["width"], m.cfg.Viewport["height"]; w > 0 && h > 0 {
		if err := driver.run(ctx, actionTimeout, chromedp.EmulateViewport(int64(w), int64(h))); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to set viewport: %w", err)
		}
	}
	if m.cfg.Stealth {
		if err := driver.run(ctx, actionTimeout, stealth.Apply(stealth.PersonaFor(m.cfg), logger)); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply stealth persona: %w", err)
		}
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	logger.Info("Browser session opened.")
	return s, nil
}

// Shutdown closes every open tab and then the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		if err := s.Close(); err != nil {
			m.logger.Warn("Error closing session during shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timed out waiting for sessions to close.", zap.Error(ctx.Err()))
	}

	// Marks initialization done so no browser is launched after this point.
	m.initOnce.Do(func() {})
	if m.browserCtx == nil {
		return nil
	}
	var err error
	if cerr := chromedp.Cancel(m.browserCtx); cerr != nil {
		err = fmt.Errorf("failed to close browser: %w", cerr)
	}
	m.browserCancel()
	m.allocCancel()
	m.logger.Info("Browser shut down.")
	return err
}
