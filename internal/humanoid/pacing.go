// Package humanoid paces browser input so automated sessions look like a person
// at the keyboard: normally distributed pauses between actions, n-gram aware
// inter-key delays and a slowly accumulating fatigue factor.
package humanoid

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/snare/internal/config"
)

// commonNgrams are typed faster than isolated keys.
var commonNgrams = map[string]bool{
	"th": true, "he": true, "in": true, "er": true, "an": true, "re": true,
	"es": true, "on": true, "st": true, "nt": true,
	"the": true, "and": true, "ing": true, "ion": true, "tio": true,
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Pacer produces human-like delays. It is safe for concurrent use.
type Pacer struct {
	mu      sync.Mutex
	cfg     config.HumanoidConfig
	rng     *rand.Rand
	fatigue float64
	sleep   SleepFunc
}

// New creates a Pacer. A disabled config yields zero delays everywhere.
func New(cfg config.HumanoidConfig, seed int64) *Pacer {
	return &Pacer{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		sleep: Sleep,
	}
}

// WithSleep replaces the sleep implementation, used by tests to avoid real waits.
func (p *Pacer) WithSleep(fn SleepFunc) *Pacer {
	p.sleep = fn
	return p
}

// Enabled reports whether pacing is active.
func (p *Pacer) Enabled() bool { return p != nil && p.cfg.Enabled }

// CognitivePause waits for a normally distributed think time scaled by fatigue.
func (p *Pacer) CognitivePause(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	d := p.cognitiveDuration()
	if d <= 0 {
		return nil
	}
	p.rest(d)
	return p.sleep(ctx, d)
}

func (p *Pacer) cognitiveDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	factor := 1.0 + p.fatigue
	ms := factor * (p.cfg.ActionPauseMeanMs + p.rng.NormFloat64()*p.cfg.ActionPauseStdDevMs)
	return time.Duration(ms) * time.Millisecond
}

// KeyDelays returns the pause to take before each rune of text.
func (p *Pacer) KeyDelays(text string) []time.Duration {
	runes := []rune(text)
	delays := make([]time.Duration, len(runes))
	if !p.Enabled() {
		return delays
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range runes {
		factor := ngramFactor(runes, i, p.cfg.DigramFactor, p.cfg.TrigramFactor)
		mean := p.cfg.KeyPauseMeanMs * factor * (1.0 + p.fatigue*0.3)
		ms := p.rng.NormFloat64()*p.cfg.KeyPauseStdDevMs + mean
		ms = math.Max(p.cfg.KeyPauseMinMs*factor, ms)
		if p.cfg.KeyPauseMaxMs > 0 {
			ms = math.Min(p.cfg.KeyPauseMaxMs, ms)
		}
		delays[i] = time.Duration(ms) * time.Millisecond
	}
	p.fatigue = math.Min(1.0, p.fatigue+p.cfg.FatigueRate*float64(len(runes)))
	return delays
}

// ngramFactor speeds up keys that complete a common trigram or digram.
func ngramFactor(runes []rune, i int, digram, trigram float64) float64 {
	if i >= 2 && commonNgrams[strings.ToLower(string(runes[i-2:i+1]))] {
		return trigram
	}
	if i >= 1 && commonNgrams[strings.ToLower(string(runes[i-1:i+1]))] {
		return digram
	}
	return 1.0
}

// Type sends text to the focused element one key at a time. With pacing
// disabled the whole string is sent in one call.
func (p *Pacer) Type(text string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if !p.Enabled() {
			return chromedp.SendKeys("document.activeElement", text, chromedp.ByJSPath).Do(ctx)
		}
		runes := []rune(text)
		for i, d := range p.KeyDelays(text) {
			if err := p.sleep(ctx, d); err != nil {
				return err
			}
			if err := chromedp.SendKeys("document.activeElement", string(runes[i]), chromedp.ByJSPath).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// rest lowers fatigue in proportion to the pause just taken.
func (p *Pacer) rest(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fatigue = math.Max(0, p.fatigue-0.01*d.Seconds())
}

// Fatigue reports the current fatigue level in [0,1].
func (p *Pacer) Fatigue() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatigue
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
