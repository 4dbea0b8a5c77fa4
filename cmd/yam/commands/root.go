package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	workingDir string
	logLevel   string
	logFormat  string
	envNames   []string
	setValues  []string
	outputDir  string
	jsonOutput bool
)

// build identifies the running binary.
var build = struct {
	version, commit, date string
}{version: "dev", commit: "unknown", date: "unknown"}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	build.version, build.commit, build.date = version, commit, buildDate

	rootCmd := &cobra.Command{
		Use:   "yam",
		Short: "yam - Yet Another application Model engine",
		Long: `yam deploys an application described by a declarative model to one or
more environments.

For every environment it:
  - Renders the model with the environment's values
  - Diffs it against the last applied model
  - Lets the installed plugins turn the diff into a plan of actions
  - Checks the plan against Rego policies
  - Applies the plan under a lock and records the run`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&workingDir, "dir", "C", ".", "application working directory")
	flags.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (console, json)")
	flags.StringSliceVarP(&envNames, "env", "e", nil, "limit the run to these environments")
	flags.StringArrayVar(&setValues, "set", nil, "override a value (name=value), repeatable")
	flags.StringVarP(&outputDir, "output-dir", "o", "", "write managed documents under this directory")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPlansCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
