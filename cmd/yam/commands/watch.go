package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/operator"
)

func newWatchCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-plan whenever the model changes",
		Long: `Watch the model file, the values directory, the policy directory and
plugin directories, and re-plan every environment after each change.

Watch mode only plans; nothing is applied.`,
		Example: `  # Re-plan the dev environment on every change
  yam watch --env dev

  # Wait two seconds for changes to settle
  yam watch --debounce 2s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			opts, err := s.options(engine.RunModePlanOnly)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := operator.NewWatcher(s.operator, opts, func(report *operator.Report, err error) {
				if perr := printReport(out, report); perr != nil {
					log.Error().Err(perr).Msg("Failed to print report")
				}
				fmt.Fprintln(out)
			}, s.logger)
			w.SetDebounce(debounce)

			op := s.begin(cmd, "yam.watch")
			err = w.Watch(op.Ctx)
			op.End(err)
			return err
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", operator.DefaultDebounce, "wait this long for changes to settle")

	return cmd
}
