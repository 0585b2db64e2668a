package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/bus"
	"github.com/xkilldash9x/snare/internal/investigation"
	"github.com/xkilldash9x/snare/internal/observability"
)

// investigateOptions carries the flag values of the investigate command.
type investigateOptions struct {
	budgetUSD float64
	maxSteps  int
	headed    bool
	noRecon   bool
	noStdin   bool
}

func newInvestigateCmd() *cobra.Command {
	var opts investigateOptions

	investigateCmd := &cobra.Command{
		Use:   "investigate <url>",
		Short: "Investigate one URL in the foreground",
		Long: `Runs a single investigation and streams its events to stdout as JSON lines.
Operator commands are read from stdin, one JSON object per line, for example:

  {"action":"click","value":"#register"}
  {"action":"stop","reason":"enough evidence"}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if opts.maxSteps > 0 {
				cfg.SetAgentMaxSteps(opts.maxSteps)
			}
			if opts.headed {
				cfg.SetBrowserHeadless(false)
			}
			if opts.noRecon {
				cfg.ReconCfg.Enabled = false
			}
			// The foreground run is the only one.
			cfg.InvestigationCfg.MaxConcurrent = 1

			comps, err := initializeComponents(ctx, cfg, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server().ShutdownTimeout)
				defer cancel()
				comps.Shutdown(shutdownCtx)
			}()
			if err != nil {
				return err
			}

			out := bus.NewJSONLSink(cmd.OutOrStdout())
			h, err := comps.Coordinator.Submit(ctx, args[0], investigation.Options{
				BudgetUSD: opts.budgetUSD,
				Sinks:     []bus.Sink{out},
			})
			if err != nil {
				return err
			}
			logger.Info("Investigation started", zap.String("investigation_id", h.ID), zap.String("url", h.URL))

			if !opts.noStdin {
				go pipeGuidance(ctx, cmd.InOrStdin(), h.Bus, logger)
			}

			session, err := h.Wait(ctx)
			if session != nil {
				logger.Info("Investigation finished",
					zap.String("investigation_id", h.ID),
					zap.String("state", string(session.CurrentState())),
					zap.String("termination_reason", string(session.Metrics.TerminationReason)),
					zap.Int("wallets", len(session.Wallets)),
					zap.Float64("cost_usd", session.Metrics.CostUSD))
			}
			if err != nil {
				return fmt.Errorf("investigation %s failed: %w", h.ID, err)
			}
			return nil
		},
	}

	investigateCmd.Flags().Float64Var(&opts.budgetUSD, "budget", 0, "LLM spend ceiling in USD for this run (overrides agent.token_budget_usd)")
	investigateCmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "step ceiling (overrides agent.max_steps)")
	investigateCmd.Flags().BoolVar(&opts.headed, "headed", false, "show the browser window")
	investigateCmd.Flags().BoolVar(&opts.noRecon, "no-recon", false, "skip the DNS and HTTP lookups before interaction")
	investigateCmd.Flags().BoolVar(&opts.noStdin, "no-stdin", false, "do not read operator commands from stdin")
	return investigateCmd
}

// pipeGuidance submits each stdin line as an operator command until r is
// exhausted or the bus closes. Invalid lines are logged and skipped.
func pipeGuidance(ctx context.Context, r io.Reader, b *bus.Bus, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-b.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, err := bus.ParseGuidanceCommand([]byte(line))
		if err != nil {
			logger.Warn("Ignoring operator command", zap.Error(err))
			continue
		}
		class, err := b.Submit(cmd)
		if err != nil {
			logger.Warn("Ignoring operator command", zap.Error(err))
			continue
		}
		logger.Info("Operator command accepted", zap.String("action", string(cmd.Action)), zap.String("routed_as", string(class)))
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Failed to read operator commands", zap.Error(err))
	}
}
