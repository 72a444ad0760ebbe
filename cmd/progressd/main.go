// Command progressd runs the learner progression engine: the HTTP API, the
// background jobs and a few operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "progressd",
		Short:   "Learner progression and rewards engine",
		Version: version,
		Long: `progressd turns learner activity into XP, levels, streaks, badges and quests.
Configuration is read from the environment (STORE_DRIVER, DATABASE_URL, REDIS_URL, ...).`,
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(catalogCmd())
	root.AddCommand(reportCmd())
	return root
}
