package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// gitRelease, gitCommit, and gitCommitDate are set at build time via
// -ldflags; for local builds gitRelease defaults to "dev" and the other
// two to "unknown".
var (
	gitRelease    = "dev"
	gitCommit     = "unknown"
	gitCommitDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kgworker %s\n", gitRelease)
		fmt.Printf("  Go:     %s\n", runtime.Version())
		fmt.Printf("  Commit: %s\n", gitCommit)
		fmt.Printf("  Date:   %s\n", gitCommitDate)
	},
}
