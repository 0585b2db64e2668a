// internal/browser/executor.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/humanoid"
	"github.com/xkilldash9x/snare/internal/observability"
)

const (
	defaultWait   = 2 * time.Second
	maxWait       = 10 * time.Second
	defaultScroll = 500
	maxExtractLen = 4000
)

// submitSelector matches the usual submit controls of a form.
const submitSelector = `button[type="submit"], input[type="submit"], form button:not([type])`

// target is the element an action resolved to.
type target struct {
	selector string
	element  *schemas.InteractiveElement
}

// actionHandler performs one kind of action and describes what happened.
type actionHandler interface {
	handle(ctx context.Context, e *Executor, action schemas.AgentAction, t target) (string, error)
}

type handlerFunc func(ctx context.Context, e *Executor, action schemas.AgentAction, t target) (string, error)

func (f handlerFunc) handle(ctx context.Context, e *Executor, action schemas.AgentAction, t target) (string, error) {
	return f(ctx, e, action, t)
}

// Executor turns abstract agent actions into Driver calls. It implements
// schemas.ActionExecutor: interaction failures come back as ERROR outcomes,
// never as Go errors.
type Executor struct {
	driver   Driver
	logger   *zap.Logger
	handlers map[schemas.ActionKind]actionHandler
	sleep    func(ctx context.Context, d time.Duration) error
}

var _ schemas.ActionExecutor = (*Executor)(nil)

// NewExecutor wires the default handler set around driver.
func NewExecutor(driver Driver, logger *zap.Logger) *Executor {
	e := &Executor{
		driver: driver,
		logger: logger.Named("executor"),
		sleep:  humanoid.Sleep,
	}
	e.handlers = map[schemas.ActionKind]actionHandler{
		schemas.ActionClick:      handlerFunc(handleClick),
		schemas.ActionType:       handlerFunc(handleType),
		schemas.ActionSelect:     handlerFunc(handleSelect),
		schemas.ActionScroll:     handlerFunc(handleScroll),
		schemas.ActionWait:       handlerFunc(handleWait),
		schemas.ActionNavigate:   handlerFunc(handleNavigate),
		schemas.ActionSubmit:     handlerFunc(handleSubmit),
		schemas.ActionScreenshot: handlerFunc(handleScreenshot),
		schemas.ActionExtract:    handlerFunc(handleExtract),
	}
	return e
}

// Execute performs action and returns a short outcome description.
func (e *Executor) Execute(ctx context.Context, action schemas.AgentAction, elements []schemas.InteractiveElement) string {
	h, ok := e.handlers[action.Kind]
	if !ok {
		return schemas.ErrorOutcome(fmt.Sprintf("unsupported action %q", action.Kind))
	}
	t, err := resolveTarget(action, elements)
	if err != nil {
		return schemas.ErrorOutcome(err.Error())
	}

	outcome, err := h.handle(ctx, e, action, t)
	if err != nil {
		e.logger.Debug("Action failed.",
			zap.String("action", string(action.Kind)),
			zap.String("selector", t.selector),
			zap.Error(err))
		return schemas.ErrorOutcome(fmt.Sprintf("%s failed: %v", action.Kind, err))
	}
	return outcome
}

// resolveTarget prefers an explicit selector over an element index.
func resolveTarget(action schemas.AgentAction, elements []schemas.InteractiveElement) (target, error) {
	if action.Selector != "" {
		return target{selector: action.Selector}, nil
	}
	if action.ElementIndex == nil {
		return target{}, nil
	}
	for i := range elements {
		if elements[i].Index == *action.ElementIndex {
			return target{selector: elements[i].Selector, element: &elements[i]}, nil
		}
	}
	return target{}, fmt.Errorf("element index %d not in observation", *action.ElementIndex)
}

var errNoTarget = errors.New("no target element")

func handleClick(ctx context.Context, e *Executor, _ schemas.AgentAction, t target) (string, error) {
	if t.selector == "" {
		return "", errNoTarget
	}
	if err := e.driver.Click(ctx, t.selector); err != nil {
		return "", err
	}
	return "clicked " + t.selector, nil
}

func handleType(ctx context.Context, e *Executor, action schemas.AgentAction, t target) (string, error) {
	if t.selector == "" {
		return "", errNoTarget
	}
	if err := e.driver.Fill(ctx, t.selector, action.Value); err != nil {
		return "", err
	}
	return fmt.Sprintf("typed %s into %s", observability.Mask(action.Value), t.selector), nil
}

func handleSelect(ctx context.Context, e *Executor, action schemas.AgentAction, t target) (string, error) {
	if t.selector == "" {
		return "", errNoTarget
	}
	err := e.driver.SelectByValue(ctx, t.selector, action.Value)
	if err == nil {
		return fmt.Sprintf("selected value %q in %s", action.Value, t.selector), nil
	}
	if !errors.Is(err, errOptionNotFound) {
		return "", err
	}
	if err := e.driver.SelectByLabel(ctx, t.selector, action.Value); err != nil {
		return "", err
	}
	return fmt.Sprintf("selected label %q in %s", action.Value, t.selector), nil
}

// scrollPixels accepts a pixel count or a direction word.
func scrollPixels(value string) int {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "", "down":
		return defaultScroll
	case "up":
		return -defaultScroll
	}
	px, err := strconv.Atoi(v)
	if err != nil || px == 0 {
		return defaultScroll
	}
	return px
}

func handleScroll(ctx context.Context, e *Executor, action schemas.AgentAction, _ target) (string, error) {
	px := scrollPixels(action.Value)
	if err := e.driver.Scroll(ctx, px); err != nil {
		return "", err
	}
	return fmt.Sprintf("scrolled %dpx", px), nil
}

// waitDuration parses seconds, applying the default and the cap.
func waitDuration(value string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || secs <= 0 {
		return defaultWait
	}
	d := time.Duration(secs * float64(time.Second))
	return min(d, maxWait)
}

func handleWait(ctx context.Context, e *Executor, action schemas.AgentAction, _ target) (string, error) {
	d := waitDuration(action.Value)
	if err := e.sleep(ctx, d); err != nil {
		return "", err
	}
	return fmt.Sprintf("waited %s", d), nil
}

func handleNavigate(ctx context.Context, e *Executor, action schemas.AgentAction, _ target) (string, error) {
	url := strings.TrimSpace(action.Value)
	if url == "" {
		return "", errors.New("no url given")
	}
	strategy, err := e.driver.Navigate(ctx, url)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("navigated to %s (%s)", url, strategy), nil
}

// handleSubmit clicks the target or the form's submit control, and presses
// Enter as a last resort.
func handleSubmit(ctx context.Context, e *Executor, _ schemas.AgentAction, t target) (string, error) {
	sel := t.selector
	if sel == "" {
		sel = submitSelector
	}
	err := e.driver.Click(ctx, sel)
	if err == nil {
		return "submitted via " + sel, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	e.logger.Debug("Submit click failed, pressing Enter.", zap.String("selector", sel), zap.Error(err))
	if err := e.driver.PressEnter(ctx, t.selector); err != nil {
		return "", err
	}
	return "submitted with Enter", nil
}

func handleScreenshot(ctx context.Context, e *Executor, _ schemas.AgentAction, _ target) (string, error) {
	buf, err := e.driver.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("screenshot captured (%d bytes)", len(buf)), nil
}

// handleExtract returns the element or page text so callers can mine it.
func handleExtract(ctx context.Context, e *Executor, _ schemas.AgentAction, t target) (string, error) {
	text, err := e.driver.Text(ctx, t.selector)
	if err != nil {
		return "", err
	}
	text = collapseSpace(text)
	if r := []rune(text); len(r) > maxExtractLen {
		text = string(r[:maxExtractLen])
	}
	return text, nil
}
