package orchestrator

import (
	"time"

	"github.com/ShayCichocki/weft/pkg/models"
)

// EventType represents the type of session event.
type EventType string

const (
	// EventSessionStarted fires once the task graph is persisted.
	EventSessionStarted EventType = "session_started"
	// EventSubtaskStarted fires when a worker picks up a subtask.
	EventSubtaskStarted EventType = "subtask_started"
	// EventSubtaskCompleted fires when a subtask finishes successfully.
	EventSubtaskCompleted EventType = "subtask_completed"
	// EventSubtaskFailed fires when an attempt fails.
	EventSubtaskFailed EventType = "subtask_failed"
	// EventSubtaskRetrying fires when the reflexion loop schedules a retry.
	EventSubtaskRetrying EventType = "subtask_retrying"
	// EventSubtaskAborted fires when a subtask will never run again.
	EventSubtaskAborted EventType = "subtask_aborted"
	// EventSessionPaused and EventSessionResumed track pause state.
	EventSessionPaused  EventType = "session_paused"
	EventSessionResumed EventType = "session_resumed"
	// EventSessionDone fires after aggregation, with the final status.
	EventSessionDone EventType = "session_done"
)

// Event is emitted by the orchestrator for observers (CLI progress, logs).
type Event struct {
	Type      EventType
	SessionID string
	TaskID    string
	Role      models.Role
	Message   string
	Timestamp time.Time
}

// emitEvent sends an event without blocking. Observers are advisory: when
// nobody is draining the channel the event is dropped and counted, and the
// session keeps running.
func (o *Orchestrator) emitEvent(e Event) {
	e.SessionID = o.sessionID()
	e.Timestamp = time.Now()
	select {
	case o.events <- e:
	default:
		o.droppedEvents.Add(1)
	}
}

// Events returns a read-only channel of session events.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// DroppedEventCount returns how many events were dropped because the
// events channel was full.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return o.droppedEvents.Load()
}
