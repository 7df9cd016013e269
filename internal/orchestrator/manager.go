package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShayCichocki/weft/internal/aggregate"
	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

// ManagerConfig contains configuration shared by all managed sessions.
type ManagerConfig struct {
	Store   *store.DB
	Options []Option
}

// Manager runs multiple concurrent sessions, each under its own
// orchestrator, and aggregates their events.
type Manager struct {
	cfg ManagerConfig

	mu            sync.RWMutex
	orchestrators map[string]*Orchestrator
	results       map[string]*aggregate.Result

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:           cfg,
		orchestrators: make(map[string]*Orchestrator),
		results:       make(map[string]*aggregate.Result),
		events:        make(chan Event, 100),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Submit starts a new session for the goal and returns once the session is
// running. The session key is returned for Cancel/Status lookups; the
// orchestrator assigns the durable session ID itself.
func (m *Manager) Submit(req RequiredConfig, goal, taskType string) (*Orchestrator, error) {
	if req.Store == nil {
		req.Store = m.cfg.Store
	}
	if req.Store == nil {
		return nil, fmt.Errorf("no store configured")
	}

	orch := New(req, m.cfg.Options...)
	key := fmt.Sprintf("%p", orch)

	m.mu.Lock()
	m.orchestrators[key] = orch
	m.mu.Unlock()

	go m.forwardEvents(orch)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		res, err := orch.Run(m.ctx, goal, taskType)

		m.mu.Lock()
		delete(m.orchestrators, key)
		if err == nil && res != nil {
			m.results[res.SessionID] = res
		}
		m.mu.Unlock()
	}()

	return orch, nil
}

// forwardEvents forwards events from one orchestrator to the shared channel.
func (m *Manager) forwardEvents(orch *Orchestrator) {
	for event := range orch.Events() {
		select {
		case m.events <- event:
		case <-m.ctx.Done():
			return
		}
	}
}

// Events returns the aggregated event channel for all sessions.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Cancel stops the running session with the given ID. Returns false if no
// managed session matches.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, orch := range m.orchestrators {
		if orch.sessionID() == sessionID {
			orch.Stop()
			return true
		}
	}
	return false
}

// SessionStatus is a point-in-time view of one session: the session record,
// every subtask's current state, and overall progress.
type SessionStatus struct {
	Session  *models.Session
	Subtasks []*models.Subtask
	// Active reports whether this manager is still driving the session.
	Active bool
	// Completed and Total summarize progress across the subtasks.
	Completed int
	Total     int
}

// Status returns the persisted session record, its per-subtask states, and
// whether the session is currently being driven by this manager.
func (m *Manager) Status(sessionID string) (*SessionStatus, error) {
	session, err := m.cfg.Store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	subtasks, err := m.cfg.Store.ListBySession(sessionID)
	if err != nil {
		return nil, err
	}

	status := &SessionStatus{
		Session:  session,
		Subtasks: subtasks,
		Total:    len(subtasks),
	}
	for _, st := range subtasks {
		if st.Status == models.StatusCompleted {
			status.Completed++
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, orch := range m.orchestrators {
		if orch.sessionID() == sessionID {
			status.Active = true
			break
		}
	}
	return status, nil
}

// Result returns the stored result for a finished session, if any.
func (m *Manager) Result(sessionID string) (*aggregate.Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[sessionID]
	return res, ok
}

// Sessions lists sessions from the store, optionally filtered by status.
func (m *Manager) Sessions(status *models.SessionStatus) ([]models.Session, error) {
	return m.cfg.Store.ListSessions(status)
}

// Count returns the number of running sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orchestrators)
}

// DroppedEventCount returns the total dropped events across all sessions.
func (m *Manager) DroppedEventCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total uint64
	for _, orch := range m.orchestrators {
		total += orch.DroppedEventCount()
	}
	return total
}

// Stop cancels all running sessions and waits for them to settle.
func (m *Manager) Stop() {
	m.cancel()

	m.mu.RLock()
	for _, orch := range m.orchestrators {
		orch.Stop()
	}
	m.mu.RUnlock()

	m.wg.Wait()
	close(m.events)
}
