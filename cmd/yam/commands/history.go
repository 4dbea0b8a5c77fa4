package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/operator"
)

func newPlansCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List persisted plans",
		Long: `List the plans persisted by 'yam plan', newest first. Any listed plan can
be replayed with 'yam apply --plan <id>'.`,
		Example: `  # Recent plans of every environment
  yam plans

  # The last three plans of prod
  yam plans --env prod --limit 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			app, env, err := historyFilter(s)
			if err != nil {
				return err
			}
			plans, err := s.store.ListPlans(cmd.Context(), app, env, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), plans)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tENVIRONMENT\tNAMESPACE\tACTIONS\tSEALED\tCREATED")
			for _, p := range plans {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n",
					p.ID, p.Environment, p.Namespace, p.ActionCount, p.Sealed, p.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of plans to list")

	return cmd
}

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Long:  `List the recorded applies, newest first, including failed and dry runs.`,
		Example: `  # Recent runs of every environment
  yam runs

  # Runs of prod as JSON
  yam runs --env prod --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			app, env, err := historyFilter(s)
			if err != nil {
				return err
			}
			runs, err := s.store.ListRuns(cmd.Context(), app, env, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tENVIRONMENT\tSTATUS\tDRY RUN\tACTIONS\tDURATION\tSTARTED")
			for _, r := range runs {
				status := string(r.Status)
				if r.Error != nil {
					status += ": " + *r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
					r.ID, r.Environment, status, r.DryRun, len(r.Actions),
					r.Duration().Round(time.Millisecond), r.StartedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")

	return cmd
}

// historyFilter returns the application of the working directory and the
// single environment selected with --env, if any.
func historyFilter(s *session) (app, env string, err error) {
	if len(envNames) > 1 {
		return "", "", engine.NewConfigError("history can be filtered by one environment only", nil)
	}
	if len(envNames) == 1 {
		env = envNames[0]
		if _, ok := s.cfg.Cluster(env); !ok {
			return "", "", engine.NewConfigError(fmt.Sprintf("unknown environment %q", env), nil)
		}
	}
	_, md, err := operator.ReadMetadata(s.dir, s.logger)
	if err != nil {
		return "", "", err
	}
	return md.App, env, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
