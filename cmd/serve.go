package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/snare/internal/observability"
	"github.com/xkilldash9x/snare/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the investigation API with live monitor and guidance channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.ServerCfg.Addr = addr
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server().ShutdownTimeout)
				defer cancel()
				comps.Shutdown(shutdownCtx)
			}()
			if err != nil {
				return err
			}

			srv := server.New(cfg.Server(), server.Deps{
				Investigations: comps.Coordinator,
				Buses:          comps.Coordinator.Registry(),
				Playbooks:      comps.Playbooks,
				Metrics:        comps.Metrics,
			}, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			if cfg.Playbook().Watch {
				g.Go(func() error { return comps.Playbooks.Watch(gctx, 0) })
			}

			logger.Info("snare API started",
				zap.String("addr", cfg.Server().Addr),
				zap.Int("max_concurrent", comps.Coordinator.Limit()),
				zap.Int("playbooks", comps.Playbooks.Snapshot().Count()))
			return g.Wait()
		},
	}

	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return serveCmd
}
