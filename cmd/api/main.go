// Command api serves the project authorization and delivery kernel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "api",
	Short: "Project tracker API: permissions, history, notifications and webhooks",
	Long: `api runs the project tracker backend.

Configuration comes from the environment (DATABASE_URL, REDIS_URL, SMTP_*,
TAIGALIKE_*) and the optional YAML file named by TAIGALIKE_CONFIG.

Examples:
  api serve              # Run the HTTP API and delivery workers
  api migrate up         # Apply pending database migrations
  api migrate down -n 1  # Roll back the last migration`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
