package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/internal/aggregate"
	"github.com/ShayCichocki/weft/internal/config"
	"github.com/ShayCichocki/weft/internal/control"
	"github.com/ShayCichocki/weft/internal/orchestrator"
	"github.com/ShayCichocki/weft/internal/reflexion"
	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

var (
	runType        string
	runConcurrency int
	runResumeID    string
	runQuiet       bool
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Run a goal through the orchestration pipeline",
	Long: `Run a goal: decompose it into role-tagged subtasks, execute them
respecting dependency order, and print the aggregated result.

The task type selects a decomposition template:
  - development: research, design, code, test + document, review (default)
  - refactor:    research, code, test, review
  - test:        research, test, review
  - docs:        research, write, review

Unknown types fall back to a single-subtask plan. Simple goals are
detected and trimmed to the essential steps regardless of template.

Progress events stream to stdout as subtasks start, finish, retry, and
abort. Press Ctrl-C to cancel; in-flight workers get a grace period
before the session settles as canceled.

Cross-session continuity:
  Use --resume <session-id> to pick up an interrupted session. Completed
  subtasks are kept, and subtasks that were mid-flight when the process
  died are retried under the usual retry budget.`,
	Args: cobra.ArbitraryArgs,
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVar(&runType, "type", "development", "Task type: development, refactor, test, or docs")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "Max subtasks in flight (0 uses the configured default)")
	runCmd.Flags().StringVar(&runResumeID, "resume", "", "Resume an interrupted session by ID")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress progress events, print only the final summary")
}

func runTask(cmd *cobra.Command, args []string) error {
	goal := strings.TrimSpace(strings.Join(args, " "))
	if goal == "" && runResumeID == "" {
		return fmt.Errorf("a goal is required unless --resume is given")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	db, err := openRunDB(cfg, cwd)
	if err != nil {
		return err
	}
	defer db.Close()

	var logger *orchestrator.DebugLogger
	if cfg.Paths.LogPath != "" {
		logger, err = orchestrator.NewDebugLogger(cfg.Paths.LogPath)
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
	} else {
		logger = orchestrator.NewDebugLoggerForDir(cwd)
	}
	defer logger.Close()

	mem, err := reflexion.NewSQLMemory(db)
	if err != nil {
		return fmt.Errorf("open remedy memory: %w", err)
	}

	signals, err := control.NewSignalManager(cwd)
	if err != nil {
		return fmt.Errorf("init signal manager: %w", err)
	}
	defer signals.Close()
	// A cancel file left behind by a previous run must not kill this one.
	signals.ClearSignals()

	opts := []orchestrator.Option{
		orchestrator.WithConfig(cfg),
		orchestrator.WithLogger(logger),
		orchestrator.WithMemory(mem),
		orchestrator.WithSignals(signals),
	}
	if runConcurrency > 0 {
		opts = append(opts, orchestrator.WithConcurrency(runConcurrency))
	}

	orch := orchestrator.New(orchestrator.RequiredConfig{
		Store:    db,
		Registry: builtinRegistry(),
	}, opts...)

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for event := range orch.Events() {
			if !runQuiet {
				printEvent(event)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res *aggregate.Result
	if runResumeID != "" {
		res, err = orch.Resume(ctx, runResumeID)
		if err != nil {
			return fmt.Errorf("resume session %s: %w", runResumeID, err)
		}
	} else {
		res, err = orch.Run(ctx, goal, runType)
		if err != nil {
			return fmt.Errorf("run session: %w", err)
		}
	}

	<-printerDone
	printSummary(res)

	if res.Status == models.SessionFailed {
		os.Exit(1)
	}
	return nil
}

// openRunDB opens the session database. A configured data dir wins;
// otherwise the database lives under the project's .weft directory.
func openRunDB(cfg *config.Config, cwd string) (*store.DB, error) {
	dbPath := store.ProjectDBPath(cwd)
	if cfg.Paths.DataDir != "" {
		dbPath = filepath.Join(cfg.Paths.DataDir, "state.db")
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func printEvent(e orchestrator.Event) {
	ts := e.Timestamp.Format("15:04:05")
	switch e.Type {
	case orchestrator.EventSessionStarted:
		fmt.Printf("%s session %s started\n", ts, e.SessionID)
	case orchestrator.EventSubtaskStarted:
		fmt.Printf("%s %s %s\n", ts, color.CyanString("▶ %s", e.TaskID), e.Message)
	case orchestrator.EventSubtaskCompleted:
		fmt.Printf("%s %s\n", ts, color.GreenString("✓ %s", e.TaskID))
	case orchestrator.EventSubtaskFailed:
		fmt.Printf("%s %s %s\n", ts, color.RedString("✗ %s", e.TaskID), e.Message)
	case orchestrator.EventSubtaskRetrying:
		fmt.Printf("%s %s %s\n", ts, color.YellowString("↻ %s", e.TaskID), e.Message)
	case orchestrator.EventSubtaskAborted:
		fmt.Printf("%s %s %s\n", ts, color.RedString("⊘ %s", e.TaskID), e.Message)
	case orchestrator.EventSessionPaused:
		fmt.Printf("%s %s\n", ts, color.YellowString("session paused"))
	case orchestrator.EventSessionResumed:
		fmt.Printf("%s session resumed\n", ts)
	case orchestrator.EventSessionDone:
		fmt.Printf("%s session %s done: %s\n", ts, e.SessionID, e.Message)
	}
}
