package cmd

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/api/schemas"
	"github.com/xkilldash9x/snare/internal/browser"
	"github.com/xkilldash9x/snare/internal/budget"
	"github.com/xkilldash9x/snare/internal/bus"
	"github.com/xkilldash9x/snare/internal/config"
	"github.com/xkilldash9x/snare/internal/investigation"
	"github.com/xkilldash9x/snare/internal/llmclient"
	"github.com/xkilldash9x/snare/internal/observability"
	"github.com/xkilldash9x/snare/internal/playbook"
	"github.com/xkilldash9x/snare/internal/recon"
	"github.com/xkilldash9x/snare/internal/store"
)

// components holds the long-lived services behind serve and investigate.
type components struct {
	Store       store.Backend
	Browser     *browser.Manager
	Playbooks   *playbook.Library
	Metrics     *observability.Metrics
	Coordinator *investigation.Coordinator

	nats   *nats.Conn
	logger *zap.Logger
}

// initializeComponents builds every service in dependency order. On error the
// returned components hold whatever was created so far and must still be shut
// down.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{logger: logger, Metrics: observability.NewMetrics()}

	backend, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to open task store: %w", err)
	}
	c.Store = backend

	lib, err := playbook.NewLibrary(playbook.NewLoader(cfg.Playbook(), logger), logger)
	if err != nil {
		return c, fmt.Errorf("failed to load playbooks: %w", err)
	}
	c.Playbooks = lib

	client, err := llmclient.NewClient(ctx, cfg.LLM(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to create LLM client: %w", err)
	}

	var publisher bus.Publisher
	if url := cfg.Events().NATSURL; url != "" {
		conn, err := bus.ConnectNATS(url, logger)
		if err != nil {
			return c, err
		}
		c.nats = conn
		publisher = conn
	}

	c.Browser = browser.NewManager(cfg.Browser(), logger)

	deps := investigation.Deps{
		Store:     backend,
		Pages:     pageOpener(c.Browser),
		Deciders:  investigation.VisionDeciders(client, c.Metrics, logger),
		Playbooks: lib,
		Recon:     newReconRunner(cfg, logger),
		Sinks:     sinkFactory(cfg.Events(), publisher),
		Metrics:   c.Metrics,
	}
	if archiver, ok := backend.(store.SessionArchiver); ok {
		deps.Archiver = archiver
	}

	coord, err := investigation.New(cfg, deps, logger)
	if err != nil {
		return c, fmt.Errorf("failed to create investigation coordinator: %w", err)
	}
	c.Coordinator = coord
	return c, nil
}

// Shutdown stops the services in reverse order of creation.
func (c *components) Shutdown(ctx context.Context) {
	if c.Coordinator != nil {
		if err := c.Coordinator.Shutdown(ctx); err != nil {
			c.logger.Warn("Investigations did not drain before shutdown deadline", zap.Error(err))
		}
	}
	if c.Browser != nil {
		if err := c.Browser.Shutdown(ctx); err != nil {
			c.logger.Warn("Browser shutdown failed", zap.Error(err))
		}
	}
	if c.nats != nil {
		if err := c.nats.Drain(); err != nil {
			c.logger.Warn("NATS drain failed", zap.Error(err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.logger.Warn("Task store close failed", zap.Error(err))
		}
	}
}

// pageOpener opens a fresh browser tab per investigation.
func pageOpener(m *browser.Manager) investigation.PageOpener {
	return investigation.PageOpenerFunc(func(ctx context.Context) (schemas.PageSession, error) {
		s, err := m.NewSession(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// newReconRunner returns nil when recon is disabled.
func newReconRunner(cfg *config.Config, logger *zap.Logger) *recon.Runner {
	rc := cfg.Recon()
	if !rc.Enabled {
		return nil
	}
	retrier := budget.NewRetrier(budget.DefaultRetryPolicy(), logger)
	return recon.NewRunner(rc, retrier, logger,
		recon.NewDNSLookup(),
		recon.NewHTTPHeadLookup(cfg.Browser().UserAgent),
	)
}

// sinkFactory attaches the JSONL file log and the NATS publisher when they
// are configured.
func sinkFactory(cfg config.EventsConfig, pub bus.Publisher) investigation.SinkFactory {
	return func(investigationID string) ([]bus.Sink, error) {
		var sinks []bus.Sink
		if cfg.JSONLDir != "" {
			s, err := bus.NewJSONLFileSink(cfg.JSONLDir, investigationID)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		}
		if pub != nil {
			sinks = append(sinks, bus.NewNATSSink(pub, cfg.NATSSubjectPrefix))
		}
		return sinks, nil
	}
}
