// Package main is the linthost harness: it runs the analysis-server
// supervisor outside an editor, standing in for the editor host.
// Documents are "opened" from the command line or the interactive
// prompt, and the three editor commands are dispatched from stdin.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "linthost",
		Short: "Supervisor harness for the analysis language server",
		Long: "linthost supervises an external analysis language server: it spawns,\n" +
			"monitors, and restarts the server, routes its output into viewable\n" +
			"channels, and applies settings changes without restarting the host.",
		SilenceUsage: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("linthost %s (%s)\n", version, commit)
		},
	}
}
