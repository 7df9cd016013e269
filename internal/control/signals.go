// Package control handles out-of-band run control via the .weft directory.
// External tooling drops marker files into .weft/signals to cancel or pause
// a running session without talking to the process directly.
package control

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	signalCancel = "cancel"
	signalPause  = "pause"
	signalResume = "resume"
)

// SignalManager watches for cancel/pause/resume marker files.
type SignalManager struct {
	weftDir string

	mu           sync.RWMutex
	cancelSignal bool
	pauseSignal  bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSignalManager creates a signal manager rooted at the given directory.
// The watcher is best-effort: if it cannot be set up, the Should* methods
// fall back to polling the filesystem.
func NewSignalManager(rootDir string) (*SignalManager, error) {
	weftDir := filepath.Join(rootDir, ".weft")
	signalsDir := filepath.Join(weftDir, "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	sm := &SignalManager{
		weftDir: weftDir,
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - will use polling fallback
		return sm, nil
	}
	sm.watcher = watcher

	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		sm.watcher = nil
		return sm, nil
	}

	go sm.watchSignals()

	return sm, nil
}

// watchSignals monitors the signals directory for marker files.
func (sm *SignalManager) watchSignals() {
	for {
		select {
		case <-sm.done:
			return
		case event, ok := <-sm.watcher.Events:
			if !ok {
				return
			}
			written := event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0
			sm.mu.Lock()
			switch filepath.Base(event.Name) {
			case signalCancel:
				if written {
					sm.cancelSignal = true
				}
			case signalPause:
				if written {
					sm.pauseSignal = true
				}
			case signalResume:
				if written {
					sm.pauseSignal = false
				}
			}
			sm.mu.Unlock()
		case <-sm.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// ShouldCancel returns true if a cancel signal has been received.
func (sm *SignalManager) ShouldCancel() bool {
	// Also check the file directly in case the watcher missed it
	if _, err := os.Stat(sm.signalPath(signalCancel)); err == nil {
		sm.mu.Lock()
		sm.cancelSignal = true
		sm.mu.Unlock()
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cancelSignal
}

// ShouldPause returns true if the session is paused. A resume marker newer
// than the pause marker clears the pause.
func (sm *SignalManager) ShouldPause() bool {
	if _, err := os.Stat(sm.signalPath(signalPause)); err == nil {
		if _, err := os.Stat(sm.signalPath(signalResume)); err != nil {
			sm.mu.Lock()
			sm.pauseSignal = true
			sm.mu.Unlock()
		}
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.pauseSignal
}

// SendCancel creates a cancel signal file.
func (sm *SignalManager) SendCancel() error {
	return os.WriteFile(sm.signalPath(signalCancel), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendPause creates a pause signal file.
func (sm *SignalManager) SendPause() error {
	os.Remove(sm.signalPath(signalResume))
	return os.WriteFile(sm.signalPath(signalPause), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendResume clears the pause.
func (sm *SignalManager) SendResume() error {
	os.Remove(sm.signalPath(signalPause))
	sm.mu.Lock()
	sm.pauseSignal = false
	sm.mu.Unlock()
	return os.WriteFile(sm.signalPath(signalResume), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes all signal files and resets signal state.
func (sm *SignalManager) ClearSignals() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.cancelSignal = false
	sm.pauseSignal = false

	for _, name := range []string{signalCancel, signalPause, signalResume} {
		os.Remove(sm.signalPath(name))
	}
}

// WeftDir returns the path to the .weft directory.
func (sm *SignalManager) WeftDir() string {
	return sm.weftDir
}

func (sm *SignalManager) signalPath(name string) string {
	return filepath.Join(sm.weftDir, "signals", name)
}

// Close shuts down the signal manager.
func (sm *SignalManager) Close() {
	close(sm.done)
	if sm.watcher != nil {
		sm.watcher.Close()
	}
}
