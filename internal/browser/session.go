// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
)

// Session is one browser tab driven by an investigation. It implements
// schemas.PageSession.
type Session struct {
	id     string
	tab    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	driver   *cdpDriver
	executor *Executor

	onClose   func()
	closeOnce sync.Once
}

var _ schemas.PageSession = (*Session)(nil)

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Execute performs an agent action on the tab.
func (s *Session) Execute(ctx context.Context, action schemas.AgentAction, elements []schemas.InteractiveElement) string {
	return s.executor.Execute(ctx, action, elements)
}

// Observe serializes the live DOM and parses it into an observation.
func (s *Session) Observe(ctx context.Context) (*schemas.PageObservation, error) {
	var location, title, outer string
	err := s.driver.run(ctx, s.driver.actionTimeout,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &outer, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}
	obs, err := ParseObservation(outer, location, title)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Page observed.",
		zap.String("url", location),
		zap.Int("elements", len(obs.Elements)),
		zap.Int("text_len", len(obs.Text)))
	return obs, nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.driver.Screenshot(ctx)
}

// URL returns the tab's current location.
func (s *Session) URL(ctx context.Context) (string, error) {
	var location string
	if err := s.driver.run(ctx, s.driver.actionTimeout, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return location, nil
}

// Close closes the tab. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.tab)
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
		s.logger.Debug("Session closed.")
	})
	return err
}
