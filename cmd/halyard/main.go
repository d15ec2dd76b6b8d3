package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halyardhq/halyard/cmd/halyard/commands"
	"github.com/halyardhq/halyard/logger"
)

var rootCmd = &cobra.Command{
	Use:   "halyard",
	Short: "Halyard - remote agent execution and scheduling",
	Long: `Halyard orchestrates prompt executions against remote agent servers.

It speaks JSON-RPC 2.0 over WebSocket to each server (with HTTP fallback),
tracks the agents hosted there, and runs a durable SQLite-backed scheduler
for immediate, delayed and cron-recurring executions.

Available commands:
  serve  - Run the dispatch daemon (worker pool + recurrence ticker)
  exec   - Execute a prompt against a server and stream the output
  task   - Schedule, cancel and inspect tasks
  queue  - Inspect the dispatch queue
  agent  - Manage agents on a remote server
  remote - Manage remote server configurations

Examples:
  halyard remote add srv-1 wss://agents.example.com --name production
  halyard exec srv-1 "summarize the error logs"
  halyard task schedule backup-report "compile the backup report" --delay 2h
  halyard task recurring hourly-digest "digest the hour" --cron "0 * * * *"
  halyard serve`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(func() {
		jsonLogs, _ := rootCmd.PersistentFlags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
		}
	})

	rootCmd.PersistentFlags().Bool("log-json", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().String("config", "", "Path to halyard.toml (default: search upward from cwd)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ExecCmd)
	rootCmd.AddCommand(commands.TaskCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.AgentCmd)
	rootCmd.AddCommand(commands.RemoteCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
