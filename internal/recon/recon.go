// Package recon runs cheap passive lookups against a target before the
// browser touches it. Lookups run concurrently under a shared rate limit and
// each call goes through the retry policy and the cost tracker.
package recon

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/config"
)

const defaultLookupTimeout = 20 * time.Second

// Lookup is one passive data source.
type Lookup interface {
	Name() string
	Run(ctx context.Context, target *url.URL) (map[string]interface{}, error)
}

// Result is the outcome of one lookup.
type Result struct {
	Name     string                 `json:"name"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Attempts int                    `json:"attempts"`
	Duration time.Duration          `json:"duration_ns"`
}

// Report collects every lookup result for one target.
type Report struct {
	Target  string   `json:"target"`
	Results []Result `json:"results"`
}

// AsMap renders the report for a task record result.
func (r *Report) AsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Results))
	for _, res := range r.Results {
		entry := map[string]interface{}{"attempts": res.Attempts, "duration_ms": res.Duration.Milliseconds()}
		if res.Error != "" {
			entry["error"] = res.Error
		} else {
			entry["data"] = res.Data
		}
		out[res.Name] = entry
	}
	return out
}

// Runner executes a fixed set of lookups.
type Runner struct {
	lookups []Lookup
	limiter *rate.Limiter
	retrier *budget.Retrier
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunner builds a runner. A non-positive rate disables limiting.
func NewRunner(cfg config.ReconConfig, retrier *budget.Retrier, logger *zap.Logger, lookups ...Lookup) *Runner {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Runner{
		lookups: lookups,
		limiter: rate.NewLimiter(limit, burst),
		retrier: retrier,
		timeout: timeout,
		logger:  logger.Named("recon"),
	}
}

// Run executes every lookup against rawURL. A failing lookup is recorded in
// its Result; Run itself only fails for an invalid URL or a cancelled ctx.
// Every attempt is charged to tracker when one is given.
func (r *Runner) Run(ctx context.Context, rawURL string, tracker *budget.Tracker) (*Report, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Hostname() == "" {
		return nil, fmt.Errorf("invalid recon target %q", rawURL)
	}

	report := &Report{Target: rawURL}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range r.lookups {
		g.Go(func() error {
			res, err := r.runOne(gctx, l, target, tracker)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("recon cancelled: %w", err)
	}
	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].Name < report.Results[j].Name })
	return report, nil
}

// runOne returns an error only when ctx is done.
func (r *Runner) runOne(ctx context.Context, l Lookup, target *url.URL, tracker *budget.Tracker) (Result, error) {
	res := Result{Name: l.Name()}
	started := time.Now()

	data, err := budget.Retry(ctx, r.retrier, "recon_"+l.Name(), func(ctx context.Context) (map[string]interface{}, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res.Attempts++
		if tracker != nil {
			tracker.RecordAPICall(l.Name())
		}
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return l.Run(callCtx, target)
	})
	res.Duration = time.Since(started)

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return res, ctxErr
	}
	if err != nil {
		res.Error = err.Error()
		r.logger.Info("Recon lookup failed.", zap.String("lookup", l.Name()), zap.Int("attempts", res.Attempts), zap.Error(err))
		return res, nil
	}
	res.Data = data
	r.logger.Debug("Recon lookup finished.", zap.String("lookup", l.Name()), zap.Duration("duration", res.Duration))
	return res, nil
}
