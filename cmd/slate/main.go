package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/cmd/slate/commands"
	"github.com/teranos/slate/logger"
)

var rootCmd = &cobra.Command{
	Use:   "slate",
	Short: "slate - resumable step jobs",
	Long: `slate runs long multi-step generation jobs that survive restarts.

Jobs advance one persisted step per tick. Any process holding the worker
token may drive a job; if it dies the job waits until something ticks again.

Available commands:
  am     - Manage slate configuration
  db     - Migrate and inspect the job database
  job    - Start, inspect and control jobs
  run    - Drive a job until it finishes or needs a decision
  server - Serve the job API over HTTP and WebSocket

Examples:
  slate job start ladder-run --owner project-1 --drive
  slate job status JB8f2k...
  slate run --owner project-1 --type batch-generate
  slate server -v`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A local .env is optional.
		_ = godotenv.Load()

		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs := false
		if cfg, err := am.Load(); err == nil {
			jsonLogs = cfg.Log.Format == "json"
		}
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().String("server", "", "Talk to a slate server at this URL instead of the local database (env SLATE_SERVER)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		commands.PrintError(err)
		os.Exit(1)
	}
}
