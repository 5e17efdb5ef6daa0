// Command moonmindd runs the MoonMind job queue: the HTTP/MCP API server,
// the Postgres/Mongo schema migrator, and the maintenance sweep, as
// independent subcommands of a single static binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "moonmindd",
	Short:   "MoonMind job queue daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("moonmindd version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(maintenanceCmd)
}
