package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Task orchestration control plane",
	Long: `Weft decomposes a goal into role-tagged subtasks, schedules them
respecting dependencies, dispatches them to bounded concurrent workers,
and aggregates their outputs into a single session result.

Failed subtasks are retried with accumulated failure context; subtasks
that exhaust their retry budget are aborted along with anything that
depends on them.

Core capabilities:
- Decomposes goals into a dependency graph of subtasks
- Runs independent subtasks in parallel under a concurrency limit
- Detects stalled workers via heartbeats and wall-clock timeouts
- Retries failures with exponential backoff and remembered remedies
- Persists every state change so interrupted sessions can resume`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(versionCmd)
}
