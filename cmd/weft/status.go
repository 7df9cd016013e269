package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current session state",
	Long: `Display the state of the active weft session.

Shows:
  - The active session, its goal, and elapsed time
  - Subtask counts by status
  - Running subtasks with their roles
  - Recent finished sessions`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, ok, err := openExistingDB()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No sessions yet. Run 'weft run <goal>' to start.")
		return nil
	}
	defer db.Close()

	session, err := db.LatestActiveSession()
	if err != nil {
		return fmt.Errorf("get active session: %w", err)
	}

	if session == nil {
		fmt.Println("No active session. Run 'weft run <goal>' to start.")
		return displayRecentSessions(db)
	}

	displaySession(db, session)

	fmt.Println()
	return displayRecentSessions(db)
}

// openExistingDB opens the project database if present, falling back to
// the global one. The second return is false when neither exists.
func openExistingDB() (*store.DB, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, false, fmt.Errorf("get working directory: %w", err)
	}

	dbPath := store.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		dbPath = store.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, false, nil
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, false, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("migrate database: %w", err)
	}
	return db, true, nil
}

func displaySession(db *store.DB, s *models.Session) {
	fmt.Printf("Current Session: %s\n", s.ID)
	fmt.Printf("  Goal: %s\n", s.Goal)
	fmt.Printf("  Type: %s\n", s.TaskType)
	fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(s.CreatedAt)))
	fmt.Printf("  Status: %s\n", s.Status)

	subtasks, err := db.ListBySession(s.ID)
	if err != nil {
		fmt.Printf("  Subtasks: unavailable (%v)\n", err)
		return
	}

	counts := make(map[models.SubtaskStatus]int)
	var running []*models.Subtask
	for _, st := range subtasks {
		counts[st.Status]++
		if st.Status == models.StatusRunning {
			running = append(running, st)
		}
	}

	fmt.Printf("  Subtasks: %d total", len(subtasks))
	for _, status := range []models.SubtaskStatus{
		models.StatusCompleted, models.StatusRunning, models.StatusReady,
		models.StatusPending, models.StatusRetrying, models.StatusFailed,
		models.StatusAborted,
	} {
		if n := counts[status]; n > 0 {
			fmt.Printf(", %d %s", n, status)
		}
	}
	fmt.Println()

	if len(running) > 0 {
		fmt.Println()
		fmt.Println("Running Subtasks:")
		for _, st := range running {
			fmt.Printf("  %s [%s]: %s\n", st.ID, st.Role, st.Description)
		}
	}
}

func displayRecentSessions(db *store.DB) error {
	sessions, err := db.ListSessions(nil)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	// Filter to finished sessions and limit to 5
	var recent []models.Session
	for _, s := range sessions {
		if s.Status != models.SessionActive {
			recent = append(recent, s)
			if len(recent) >= 5 {
				break
			}
		}
	}

	if len(recent) == 0 {
		return nil
	}

	fmt.Println("Recent Sessions:")
	for _, s := range recent {
		elapsed := formatDuration(time.Since(s.CreatedAt))
		fmt.Printf("  %s: %s (%s ago) %q\n", s.ID, s.Status, elapsed, s.Goal)
	}

	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
