package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/pkg/models"
)

var sessionsStatus string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	Long: `List sessions from the task store, newest first.

Use --status to filter, e.g. 'weft sessions --status failed'.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status: active, completed, partial, failed, or canceled")
}

func runSessions(cmd *cobra.Command, args []string) error {
	db, ok, err := openExistingDB()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No sessions yet. Run 'weft run <goal>' to start.")
		return nil
	}
	defer db.Close()

	var filter *models.SessionStatus
	if sessionsStatus != "" {
		status := models.SessionStatus(sessionsStatus)
		filter = &status
	}

	sessions, err := db.ListSessions(filter)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No matching sessions.")
		return nil
	}

	for _, s := range sessions {
		elapsed := formatDuration(time.Since(s.CreatedAt))
		fmt.Printf("%s  %-10s %s ago  [%s] %s\n", s.ID, s.Status, elapsed, s.TaskType, s.Goal)
	}
	return nil
}
