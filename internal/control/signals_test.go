package control

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *SignalManager {
	t.Helper()
	sm, err := NewSignalManager(t.TempDir())
	if err != nil {
		t.Fatalf("new signal manager: %v", err)
	}
	t.Cleanup(sm.Close)
	return sm
}

func TestCancelSignal(t *testing.T) {
	sm := newTestManager(t)

	if sm.ShouldCancel() {
		t.Fatal("cancel should not be set initially")
	}
	if err := sm.SendCancel(); err != nil {
		t.Fatalf("send cancel: %v", err)
	}
	if !sm.ShouldCancel() {
		t.Error("cancel signal not observed")
	}

	sm.ClearSignals()
	if sm.ShouldCancel() {
		t.Error("cancel should clear")
	}
}

func TestPauseAndResume(t *testing.T) {
	sm := newTestManager(t)

	if err := sm.SendPause(); err != nil {
		t.Fatalf("send pause: %v", err)
	}
	if !sm.ShouldPause() {
		t.Error("pause signal not observed")
	}

	if err := sm.SendResume(); err != nil {
		t.Fatalf("send resume: %v", err)
	}
	if sm.ShouldPause() {
		t.Error("resume should clear pause")
	}
}

func TestPollingFallbackSeesExternalMarker(t *testing.T) {
	sm := newTestManager(t)

	// Another process writes the marker directly.
	path := filepath.Join(sm.WeftDir(), "signals", "cancel")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if !sm.ShouldCancel() {
		t.Error("stat fallback missed the marker file")
	}
}

func TestSignalsDirCreated(t *testing.T) {
	root := t.TempDir()
	sm, err := NewSignalManager(root)
	if err != nil {
		t.Fatalf("new signal manager: %v", err)
	}
	defer sm.Close()

	if _, err := os.Stat(filepath.Join(root, ".weft", "signals")); err != nil {
		t.Errorf("signals dir missing: %v", err)
	}
}
