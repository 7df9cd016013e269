package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/internal/aggregate"
	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

var resultJSON bool

var resultCmd = &cobra.Command{
	Use:   "result [session-id]",
	Short: "Show the aggregated result of a session",
	Long: `Print the aggregated result of a session: winning artifact claims,
discarded conflicting claims, summaries in dependency order, and
subtasks that never contributed.

With no argument, shows the most recent session. The result is read
from the persisted result file when present and recomputed from the
task store otherwise.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResult,
}

func init() {
	resultCmd.Flags().BoolVar(&resultJSON, "json", false, "Print the raw result as JSON")
}

func runResult(cmd *cobra.Command, args []string) error {
	db, ok, err := openExistingDB()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no sessions found")
	}
	defer db.Close()

	sessionID := ""
	if len(args) > 0 {
		sessionID = args[0]
	} else {
		sessions, err := db.ListSessions(nil)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(sessions) == 0 {
			return fmt.Errorf("no sessions found")
		}
		sessionID = sessions[0].ID
	}

	res, err := loadResult(db, sessionID)
	if err != nil {
		return err
	}

	if resultJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	printSummary(res)
	return nil
}

// loadResult reads the persisted result file, recomputing from the task
// store when the file is missing (for example mid-session).
func loadResult(db *store.DB, sessionID string) (*aggregate.Result, error) {
	path := filepath.Join(filepath.Dir(db.QueueFilePath(sessionID)), sessionID+".result.json")
	if data, err := os.ReadFile(path); err == nil {
		var res aggregate.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("parse result file: %w", err)
		}
		return &res, nil
	}

	if _, err := db.GetSession(sessionID); err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	subtasks, err := db.ListBySession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}

	g := graph.New()
	if err := g.Build(subtasks); err != nil {
		return nil, fmt.Errorf("rebuild graph: %w", err)
	}
	return aggregate.Aggregate(sessionID, g, subtasks)
}

func printSummary(res *aggregate.Result) {
	fmt.Println()
	fmt.Printf("Session %s: %s (%d/%d subtasks completed)\n",
		res.SessionID, colorStatus(res.Status), res.Completed, res.Total)

	if len(res.Artifacts) > 0 {
		fmt.Println("\nArtifacts:")
		names := make([]string, 0, len(res.Artifacts))
		for name := range res.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			claim := res.Artifacts[name]
			fmt.Printf("  %s (from %s, priority %d)\n", name, claim.TaskID, claim.Priority)
		}
	}

	if len(res.Discarded) > 0 {
		fmt.Println("\nDiscarded claims:")
		for _, claim := range res.Discarded {
			fmt.Printf("  %s from %s\n", claim.Artifact, claim.TaskID)
		}
	}

	if len(res.Unmet) > 0 {
		fmt.Println("\nDid not contribute:")
		for _, u := range res.Unmet {
			line := fmt.Sprintf("  %s: %s", u.TaskID, u.Status)
			if u.Reason != "" {
				line += fmt.Sprintf(" (%s)", u.Reason)
			}
			fmt.Println(line)
		}
	}

	if len(res.Summaries) > 0 {
		fmt.Println("\nSummary:")
		for _, s := range res.Summaries {
			fmt.Printf("  - %s\n", strings.TrimSpace(s))
		}
	}
}

func colorStatus(status models.SessionStatus) string {
	switch status {
	case models.SessionCompleted:
		return color.GreenString(string(status))
	case models.SessionFailed, models.SessionCanceled:
		return color.RedString(string(status))
	case models.SessionPartial:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}
