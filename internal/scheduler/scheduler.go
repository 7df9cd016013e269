// Package scheduler decides which ready subtasks run next, bounded by the
// session's concurrency limit. It owns no status of its own: every decision
// is read from and written back to the Task Store, so a crash between
// decisions loses nothing.
package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

// ErrUnschedulable indicates forward progress is impossible: pending
// subtasks remain but nothing is ready, running, or retrying. This happens
// when a dependency settled without completing, stranding its dependents.
var ErrUnschedulable = errors.New("no subtask can make progress")

// Store is the slice of the Task Store the scheduler needs.
type Store interface {
	ListByStatus(sessionID string, status models.SubtaskStatus) ([]*models.Subtask, error)
	MarkStatus(id string, to models.SubtaskStatus, reason string) error
}

// Scheduler promotes pending subtasks whose dependencies completed and
// picks the next batch to dispatch. It is event-driven: Kick wakes the
// orchestrator loop after any transition that may unblock work.
type Scheduler struct {
	st      Store
	g       *graph.DependencyGraph
	limit   int
	trigger chan struct{}
}

// New creates a scheduler over the given store and dependency graph.
// limit bounds concurrently running subtasks; values below 1 mean 1.
func New(st Store, g *graph.DependencyGraph, limit int) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{
		st:      st,
		g:       g,
		limit:   limit,
		trigger: make(chan struct{}, 1),
	}
}

// Kick signals that scheduling state may have changed. Non-blocking: a
// pending signal already covers any number of changes behind it.
func (s *Scheduler) Kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// C returns the wakeup channel the orchestrator loop selects on.
func (s *Scheduler) C() <-chan struct{} {
	return s.trigger
}

// Limit returns the concurrency bound.
func (s *Scheduler) Limit() int {
	return s.limit
}

// Next promotes newly unblocked subtasks and returns the batch to dispatch,
// at most limit minus currently running. Batches are ordered by priority
// descending with insertion order as the tie-break, so identical inputs
// always produce identical schedules. An empty batch with pending work and
// nothing in flight is a stall and returns ErrUnschedulable.
func (s *Scheduler) Next(sessionID string) ([]*models.Subtask, error) {
	if err := s.promote(sessionID); err != nil {
		return nil, err
	}

	running, err := s.st.ListByStatus(sessionID, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running: %w", err)
	}
	free := s.limit - len(running)
	if free <= 0 {
		return nil, nil
	}

	ready, err := s.st.ListByStatus(sessionID, models.StatusReady)
	if err != nil {
		return nil, fmt.Errorf("list ready: %w", err)
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].Seq < ready[j].Seq
	})
	if len(ready) > free {
		ready = ready[:free]
	}

	if len(ready) == 0 && len(running) == 0 {
		if stalled, err := s.stalled(sessionID); err != nil {
			return nil, err
		} else if stalled {
			return nil, ErrUnschedulable
		}
	}

	batch := make([]*models.Subtask, len(ready))
	for i, st := range ready {
		batch[i] = st.Clone()
	}
	return batch, nil
}

// promote moves pending subtasks whose dependencies all completed to ready,
// in both the store and the in-memory graph view.
func (s *Scheduler) promote(sessionID string) error {
	pending, err := s.st.ListByStatus(sessionID, models.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	for _, st := range pending {
		if !s.depsCompleted(st) {
			continue
		}
		if err := s.st.MarkStatus(st.ID, models.StatusReady, ""); err != nil {
			// A concurrent transition already moved it; the next pass
			// observes the store's answer.
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return fmt.Errorf("promote %s: %w", st.ID, err)
		}
		if node := s.g.Get(st.ID); node != nil {
			node.Status = models.StatusReady
		}
	}
	return nil
}

func (s *Scheduler) depsCompleted(st *models.Subtask) bool {
	for _, depID := range st.Dependencies {
		dep := s.g.Get(depID)
		if dep == nil || dep.Status != models.StatusCompleted {
			return false
		}
	}
	return true
}

// stalled reports whether pending work exists that can never be unblocked:
// nothing ready, running, or retrying, yet pending subtasks remain.
func (s *Scheduler) stalled(sessionID string) (bool, error) {
	pending, err := s.st.ListByStatus(sessionID, models.StatusPending)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}
	retrying, err := s.st.ListByStatus(sessionID, models.StatusRetrying)
	if err != nil {
		return false, err
	}
	failed, err := s.st.ListByStatus(sessionID, models.StatusFailed)
	if err != nil {
		return false, err
	}
	return len(retrying) == 0 && len(failed) == 0, nil
}

// Stranded returns the pending subtask IDs blocked behind a dependency that
// settled without completing. Used to report why a session cannot finish.
func (s *Scheduler) Stranded(sessionID string) ([]string, error) {
	pending, err := s.st.ListByStatus(sessionID, models.StatusPending)
	if err != nil {
		return nil, err
	}
	var stranded []string
	for _, st := range pending {
		for _, depID := range st.Dependencies {
			dep := s.g.Get(depID)
			if dep != nil && dep.Status.Settled() && dep.Status != models.StatusCompleted {
				stranded = append(stranded, st.ID)
				break
			}
		}
	}
	sort.Strings(stranded)
	return stranded, nil
}
