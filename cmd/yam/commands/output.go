package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/operator"
)

var (
	headerColor  = color.New(color.Bold)
	addColor     = color.New(color.FgGreen)
	removeColor  = color.New(color.FgRed)
	ensureColor  = color.New(color.FgCyan)
	failColor    = color.New(color.FgRed, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
	mutedColor   = color.New(color.Faint)
)

// printReport writes a run summary, or the report as JSON with --json.
func printReport(w io.Writer, report *operator.Report) error {
	if report == nil {
		return nil
	}
	if jsonOutput {
		return writeJSON(w, report)
	}

	title := fmt.Sprintf("%s (%s)", report.App, report.RunMode)
	if report.DryRun {
		title += " [dry run]"
	}
	headerColor.Fprintln(w, title)

	for _, env := range report.Environments {
		fmt.Fprintln(w)
		headerColor.Fprintf(w, "Environment %s", env.Environment.Name)
		if env.Environment.Stack != "" {
			mutedColor.Fprintf(w, " (stack %s)", env.Environment.Stack)
		}
		fmt.Fprintln(w)
		if env.PlanID != "" {
			label := "plan"
			if env.Replayed {
				label = "replayed plan"
			}
			mutedColor.Fprintf(w, "  %s %s\n", label, env.PlanID)
		}

		if len(env.Actions) == 0 {
			fmt.Fprintln(w, "  no actions")
		}
		for _, name := range env.Actions {
			printAction(w, name, env.Result)
		}

		switch {
		case env.Error != "":
			failColor.Fprintf(w, "  failed: %s\n", env.Error)
		case env.Result != nil:
			successColor.Fprintf(w, "  %s", env.Result.Status)
			mutedColor.Fprintf(w, " in %s\n", env.Duration.Round(time.Millisecond))
		}
		for _, f := range env.Files {
			mutedColor.Fprintf(w, "  wrote %s\n", f)
		}
	}
	return nil
}

func printAction(w io.Writer, name string, result *engine.RunResult) {
	symbol, c := "+", addColor
	switch {
	case strings.HasPrefix(name, "delete-"), strings.HasPrefix(name, "undeploy:"):
		symbol, c = "-", removeColor
	case strings.HasPrefix(name, "ensure-"):
		symbol, c = "=", ensureColor
	}
	c.Fprintf(w, "  %s %s", symbol, name)

	if result != nil {
		for _, ar := range result.Actions {
			if ar.Name != name {
				continue
			}
			if ar.Error != "" {
				failColor.Fprintf(w, "  %s", ar.Error)
			} else {
				mutedColor.Fprintf(w, "  %s", ar.Duration.Round(time.Millisecond))
			}
			break
		}
	}
	fmt.Fprintln(w)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
