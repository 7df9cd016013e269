package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/internal/control"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the running session",
	Long: `Signal the running session in this project to cancel.

The orchestrator aborts pending and in-flight subtasks, waits out the
worker grace period, and settles the session as canceled. Already
completed subtasks keep their outputs.`,
	RunE: runCancel,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause dispatching in the running session",
	Long: `Signal the running session to stop dispatching new subtasks.

In-flight subtasks run to completion; nothing new starts until
'weft resume' is issued.`,
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume dispatching in a paused session",
	RunE:  runResume,
}

func runCancel(cmd *cobra.Command, args []string) error {
	sm, err := projectSignals()
	if err != nil {
		return err
	}
	defer sm.Close()
	if err := sm.SendCancel(); err != nil {
		return fmt.Errorf("send cancel signal: %w", err)
	}
	fmt.Println("Cancel signal sent.")
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	sm, err := projectSignals()
	if err != nil {
		return err
	}
	defer sm.Close()
	if err := sm.SendPause(); err != nil {
		return fmt.Errorf("send pause signal: %w", err)
	}
	fmt.Println("Pause signal sent.")
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	sm, err := projectSignals()
	if err != nil {
		return err
	}
	defer sm.Close()
	if err := sm.SendResume(); err != nil {
		return fmt.Errorf("send resume signal: %w", err)
	}
	fmt.Println("Resume signal sent.")
	return nil
}

func projectSignals() (*control.SignalManager, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	sm, err := control.NewSignalManager(cwd)
	if err != nil {
		return nil, fmt.Errorf("init signal manager: %w", err)
	}
	return sm, nil
}
