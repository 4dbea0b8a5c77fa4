package commands

import (
	"github.com/spf13/cobra"

	"github.com/yamplus/yam/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Derive and persist the plan of every environment",
		Long: `Derive the plan of every environment without applying it.

The plan:
  - Renders the model with the environment's values
  - Diffs it against the last applied model
  - Runs the plugin handlers to enqueue actions
  - Checks the actions against the policy gate
  - Persists the plan for replay with 'apply --plan'`,
		Example: `  # Plan every environment
  yam plan

  # Plan one environment with a value override
  yam plan --env prod --set image=nginx:1.27

  # Print the plans as JSON
  yam plan --json`,
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
			op := s.begin(cmd, "yam.plan")
			report, runErr := s.operator.Run(op.Ctx, opts)
			op.End(runErr)
			if err := printReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return runErr
		},
	}

	return cmd
}
