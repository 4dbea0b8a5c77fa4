package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the application model",
		Long: `Render the model for every environment and validate it against the
schema merged from the installed plugins. Nothing is planned or persisted.`,
		Example: `  # Validate every environment
  yam validate

  # Validate another working directory
  yam validate -C ./deploy/shop`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			opts, err := s.options("")
			if err != nil {
				return err
			}
			op := s.begin(cmd, "yam.validate")
			report, runErr := s.operator.Validate(op.Ctx, opts)
			op.End(runErr)
			if report == nil {
				return runErr
			}
			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				return runErr
			}

			w := cmd.OutOrStdout()
			headerColor.Fprintf(w, "%s", report.App)
			mutedColor.Fprintf(w, " (%s, plugins %v)\n", report.ModelFile, report.Plugins)
			for _, env := range report.Environments {
				if env.Error != "" {
					failColor.Fprintf(w, "  ✗ %s: %s\n", env.Environment.Name, env.Error)
					continue
				}
				successColor.Fprintf(w, "  ✓ %s\n", env.Environment.Name)
			}
			if runErr == nil {
				fmt.Fprintln(w, "Model is valid")
			}
			return runErr
		},
	}

	return cmd
}
