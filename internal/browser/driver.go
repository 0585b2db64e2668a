// internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/humanoid"
)

// Driver is the set of page primitives the Executor composes actions from.
// cdpDriver is the production implementation; tests substitute a fake.
type Driver interface {
	Click(ctx context.Context, selector string) error
	// Fill clears the field and types text into it.
	Fill(ctx context.Context, selector, text string) error
	SelectByValue(ctx context.Context, selector, value string) error
	SelectByLabel(ctx context.Context, selector, label string) error
	Scroll(ctx context.Context, pixels int) error
	// Navigate loads url and reports the wait strategy that succeeded.
	Navigate(ctx context.Context, url string) (string, error)
	// PressEnter sends the Enter key to selector, or to the focused element
	// when selector is empty.
	PressEnter(ctx context.Context, selector string) error
	// Text returns the visible text of selector, or of the body when empty.
	Text(ctx context.Context, selector string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// errOptionNotFound is returned by the select primitives when no option matches.
var errOptionNotFound = errors.New("no matching option")

// navStrategy is one attempt at loading a page, from strictest to weakest.
type navStrategy struct {
	name    string
	actions func(url string) chromedp.Tasks
}

var navStrategies = []navStrategy{
	{name: "load", actions: func(url string) chromedp.Tasks {
		return chromedp.Tasks{chromedp.Navigate(url)}
	}},
	{name: "dom_ready", actions: func(url string) chromedp.Tasks {
		return chromedp.Tasks{assignLocation(url), chromedp.WaitReady("body", chromedp.ByQuery)}
	}},
	{name: "commit", actions: func(url string) chromedp.Tasks {
		return chromedp.Tasks{assignLocation(url), chromedp.Sleep(time.Second)}
	}},
}

func assignLocation(url string) chromedp.Action {
	return chromedp.Evaluate(fmt.Sprintf("window.location.assign(%s)", jsString(url)), nil)
}

// cdpDriver runs primitives as chromedp actions against a tab context.
type cdpDriver struct {
	tab           context.Context
	pacer         *humanoid.Pacer
	navTimeout    time.Duration
	actionTimeout time.Duration
	logger        *zap.Logger
}

var _ Driver = (*cdpDriver)(nil)

// run executes actions on the tab, bounded by both ctx and the action timeout.
func (d *cdpDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := CombineContext(d.tab, ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		opCtx, tcancel = context.WithTimeout(opCtx, timeout)
		defer tcancel()
	}
	err := chromedp.Run(opCtx, actions...)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("timed out after %v: %w", timeout, err)
	}
	return err
}

func (d *cdpDriver) Click(ctx context.Context, selector string) error {
	if err := d.pacer.CognitivePause(ctx); err != nil {
		return err
	}
	return d.run(ctx, d.actionTimeout,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
}

func (d *cdpDriver) Fill(ctx context.Context, selector, text string) error {
	if err := d.pacer.CognitivePause(ctx); err != nil {
		return err
	}
	return d.run(ctx, d.actionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		d.pacer.Type(text),
	)
}

const selectScript = `(function(sel, want, byLabel) {
	const el = document.querySelector(sel);
	if (!el || !el.options) return false;
	for (const opt of el.options) {
		const key = byLabel ? (opt.label || opt.text).trim() : opt.value;
		if (key === want) {
			el.value = opt.value;
			el.dispatchEvent(new Event('input', {bubbles: true}));
			el.dispatchEvent(new Event('change', {bubbles: true}));
			return true;
		}
	}
	return false;
})(%s, %s, %t)`

func (d *cdpDriver) selectOption(ctx context.Context, selector, want string, byLabel bool) error {
	var ok bool
	script := fmt.Sprintf(selectScript, jsString(selector), jsString(want), byLabel)
	if err := d.run(ctx, d.actionTimeout, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return errOptionNotFound
	}
	return nil
}

func (d *cdpDriver) SelectByValue(ctx context.Context, selector, value string) error {
	return d.selectOption(ctx, selector, value, false)
}

func (d *cdpDriver) SelectByLabel(ctx context.Context, selector, label string) error {
	return d.selectOption(ctx, selector, label, true)
}

func (d *cdpDriver) Scroll(ctx context.Context, pixels int) error {
	return d.run(ctx, d.actionTimeout, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", pixels), nil))
}

// Navigate tries each strategy in turn with the full navigation timeout and
// fails only when every strategy has failed.
func (d *cdpDriver) Navigate(ctx context.Context, url string) (string, error) {
	var errs []error
	for _, s := range navStrategies {
		err := d.run(ctx, d.navTimeout, s.actions(url)...)
		if err == nil {
			if perr := d.pacer.CognitivePause(ctx); perr != nil {
				return "", perr
			}
			return s.name, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		d.logger.Debug("Navigation strategy failed, trying a weaker one.",
			zap.String("strategy", s.name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}
	return "", fmt.Errorf("all navigation strategies failed: %w", errors.Join(errs...))
}

func (d *cdpDriver) PressEnter(ctx context.Context, selector string) error {
	if selector == "" {
		return d.run(ctx, d.actionTimeout, chromedp.KeyEvent(kb.Enter))
	}
	return d.run(ctx, d.actionTimeout, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
}

func (d *cdpDriver) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if selector == "" {
		err := d.run(ctx, d.actionTimeout, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
		return text, err
	}
	err := d.run(ctx, d.actionTimeout, chromedp.Text(selector, &text, chromedp.ByQuery, chromedp.NodeVisible))
	return text, err
}

func (d *cdpDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, d.actionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}
