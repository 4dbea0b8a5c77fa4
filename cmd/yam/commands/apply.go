package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yamplus/yam/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		planID    string
		applyOnly bool
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the plan of every environment",
		Long: `Derive the plan of every environment and apply it.

With --apply-only the latest persisted plan of each environment is replayed
instead of deriving a new one; --plan replays one specific plan. A replayed
plan is refused when the environment changed since it was made.

Environments are applied one after the other. The first failure stops the
run; environments already applied are not rolled back.`,
		Example: `  # Plan and apply every environment
  yam apply

  # Show what would change in prod without touching it
  yam apply --env prod --dry-run

  # Replay the plan made by 'yam plan'
  yam apply --apply-only --env prod

  # Replay a specific plan
  yam apply --plan 6f1c0d2e-4f7a-4b8e-9a51-2d1b6c9f0e3a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := engine.RunModePlanApply
			if applyOnly || planID != "" {
				mode = engine.RunModeApplyOnly
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			opts, err := s.options(mode)
			if err != nil {
				return err
			}
			opts.PlanID = planID
			opts.DryRun = dryRun

			log.Info().
				Str("run_mode", string(mode)).
				Str("plan", planID).
				Bool("dry_run", dryRun).
				Msg("Applying")

			op := s.begin(cmd, "yam.apply")
			report, runErr := s.operator.Run(op.Ctx, opts)
			op.End(runErr)
			if err := printReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "replay the persisted plan with this ID")
	cmd.Flags().BoolVar(&applyOnly, "apply-only", false, "replay the latest persisted plan of each environment")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "mock every state-mutating call")

	return cmd
}
