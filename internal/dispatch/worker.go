// Package dispatch hands ready subtasks to role-bound workers, each in its
// own goroutine with an isolated execution context, and enforces heartbeat
// and timeout deadlines on their behalf.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ShayCichocki/weft/pkg/models"
)

// Worker executes one subtask. Implementations must honor context
// cancellation and should call WorkerContext.Beat periodically during long
// operations; a worker that goes silent past the heartbeat allowance is
// treated as hung and timed out.
type Worker interface {
	Execute(ctx context.Context, wc *WorkerContext, in models.WorkerInput) (models.WorkerOutput, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, wc *WorkerContext, in models.WorkerInput) (models.WorkerOutput, error)

// Execute calls f.
func (f WorkerFunc) Execute(ctx context.Context, wc *WorkerContext, in models.WorkerInput) (models.WorkerOutput, error) {
	return f(ctx, wc, in)
}

// WorkerContext is the per-subtask execution context. Each dispatch gets its
// own instance; nothing in it is shared with concurrently running workers.
type WorkerContext struct {
	// TaskID is the subtask being executed.
	TaskID string
	// Role is the capability this worker was registered under.
	Role models.Role
	// ScratchDir is a private directory for intermediate files, created
	// before execution and owned by this subtask alone.
	ScratchDir string

	beat     chan struct{}
	progress atomic.Int32
}

// Beat signals liveness to the dispatcher along with a coarse progress
// percentage. Non-blocking; pct is clamped to 0-100, and calling Beat more
// often than the heartbeat interval is harmless.
func (wc *WorkerContext) Beat(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	wc.progress.Store(int32(pct))
	select {
	case wc.beat <- struct{}{}:
	default:
	}
}

// Progress returns the percentage most recently reported through Beat.
func (wc *WorkerContext) Progress() int {
	return int(wc.progress.Load())
}

// Registry maps roles to worker implementations. The role set is closed:
// registering an unknown role is an error, and dispatching a subtask whose
// role has no registered worker fails that subtask rather than the session.
type Registry struct {
	mu      sync.RWMutex
	workers map[models.Role]Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[models.Role]Worker)}
}

// Register binds a worker to a role, replacing any previous binding.
func (r *Registry) Register(role models.Role, w Worker) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if w == nil {
		return fmt.Errorf("nil worker for role %q", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[role] = w
	return nil
}

// Lookup returns the worker bound to a role.
func (r *Registry) Lookup(role models.Role) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[role]
	if !ok {
		return nil, fmt.Errorf("no worker registered for role %q", role)
	}
	return w, nil
}

// Roles returns the roles with a registered worker.
func (r *Registry) Roles() []models.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]models.Role, 0, len(r.workers))
	for role := range r.workers {
		roles = append(roles, role)
	}
	return roles
}
