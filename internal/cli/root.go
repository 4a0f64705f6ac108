package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "pilotctl",
	Short: "Run the autonomous coding pipeline from the command line",
	Long: `pilotctl triggers one pipeline invocation without going through the
webhook service: normalize a task, plan it, generate edits through the
bounded self-review loop, commit atomically, and open or update the
change request.

Use --dry-run to exercise planning and generation without any remote
writes.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}
