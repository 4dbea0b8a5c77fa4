package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":   build.version,
				"commit":    build.commit,
				"buildDate": build.date,
				"go":        runtime.Version(),
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "yam %s\n  commit:  %s\n  built:   %s\n  go:      %s\n",
				build.version, build.commit, build.date, runtime.Version())
			return nil
		},
	}
}
