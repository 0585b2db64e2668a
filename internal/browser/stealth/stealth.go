// Package stealth makes a headless tab look like an ordinary desktop browser.
// Scam kits commonly refuse to render their funnel for obvious automation.
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// DefaultPersona is a current Chrome on Windows.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Platform:  "Win32",
	Languages: []string{"en-US", "en"},
	Locale:    "en-US",
}

// PersonaFor overlays the browser configuration on DefaultPersona.
func PersonaFor(cfg config.BrowserConfig) Persona {
	p := DefaultPersona
	p.Languages = append([]string(nil), DefaultPersona.Languages...)
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
		base, _, _ := strings.Cut(cfg.Locale, "-")
		p.Languages = []string{cfg.Locale}
		if base != cfg.Locale {
			p.Languages = append(p.Languages, base)
		}
	}
	p.Timezone = cfg.Timezone
	return p
}

// AcceptLanguage renders the languages as an Accept-Language header value
// with descending quality.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Apply returns the CDP actions that install the persona on the current tab.
// They must run before the first navigation.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona",
		zap.String("user_agent", p.UserAgent),
		zap.String("platform", p.Platform),
		zap.String("locale", p.Locale))

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(p.AcceptLanguage()),
		// AddScriptToEvaluateOnNewDocument returns an identifier, so it needs
		// wrapping to satisfy chromedp.Action.
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": p.AcceptLanguage()}),
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	return tasks
}
