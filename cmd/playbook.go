package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/snare/internal/agent"
	"github.com/xkilldash9x/snare/internal/config"
	"github.com/xkilldash9x/snare/internal/observability"
	"github.com/xkilldash9x/snare/internal/playbook"
)

func newPlaybookCmd() *cobra.Command {
	playbookCmd := &cobra.Command{
		Use:   "playbook",
		Short: "Inspect and validate playbook definitions",
	}
	playbookCmd.AddCommand(newPlaybookListCmd())
	playbookCmd.AddCommand(newPlaybookValidateCmd())
	return playbookCmd
}

func newPlaybookListCmd() *cobra.Command {
	var dir string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the playbooks in the playbook directory in match order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			pcfg := cfg.Playbook()
			if dir != "" {
				pcfg.Dir = dir
			}

			m, err := playbook.NewLoader(pcfg, observability.GetLogger()).Snapshot()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPATTERN\tSTEPS\tPHASES\tENABLED")
			for _, pb := range m.Playbooks() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\n",
					pb.ID, pb.URLPattern, len(pb.Steps),
					strings.Join(pb.Phases(string(agent.DefaultPlaybookPhase)), ","), pb.IsEnabled())
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d playbook(s) in %s\n", m.Count(), pcfg.Dir)
			return nil
		},
	}
	listCmd.Flags().StringVar(&dir, "dir", "", "playbook directory (overrides playbook.dir)")
	return listCmd
}

func newPlaybookValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate playbook files or every playbook under a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}

			var files []string
			for _, arg := range args {
				found, err := playbookFiles(arg, cfg.Playbook())
				if err != nil {
					return err
				}
				files = append(files, found...)
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range files {
				pb, err := playbook.LoadFile(path)
				if err != nil {
					invalid++
					fmt.Fprintf(out, "FAIL  %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "OK    %s (%s, %d steps)\n", path, pb.ID, len(pb.Steps))
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d playbook(s) invalid", invalid, len(files))
			}
			return nil
		},
	}
}

// playbookFiles expands a directory into its matching playbook files.
func playbookFiles(path string, pcfg config.PlaybookConfig) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	pcfg.Dir = path
	rel, err := playbook.NewLoader(pcfg, nil).Files()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(rel))
	for _, r := range rel {
		files = append(files, filepath.Join(path, filepath.FromSlash(r)))
	}
	return files, nil
}
