package models

import "time"

// SessionStatus represents the overall state of an orchestration session.
type SessionStatus string

const (
	// SessionActive indicates the session is decomposing or executing.
	SessionActive SessionStatus = "active"
	// SessionCompleted indicates every subtask reached completed.
	SessionCompleted SessionStatus = "completed"
	// SessionPartial indicates the session finished with failed or aborted subtasks.
	SessionPartial SessionStatus = "partial"
	// SessionFailed indicates a fatal error before or during execution.
	SessionFailed SessionStatus = "failed"
	// SessionCanceled indicates the session was explicitly canceled.
	SessionCanceled SessionStatus = "canceled"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionPartial, SessionFailed, SessionCanceled:
		return true
	default:
		return false
	}
}

// Session is one end-to-end orchestration run for a single root goal.
type Session struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`
	// Goal is the natural-language goal the session was started with.
	Goal string `json:"goal"`
	// TaskType is the coarse classification used for decomposition.
	TaskType string `json:"task_type"`
	// MainTaskID is the root subtask of the graph (the final consumer).
	MainTaskID string `json:"main_task_id"`
	// ConcurrencyLimit bounds simultaneously running subtasks.
	ConcurrencyLimit int `json:"concurrency_limit"`
	// ExecutionOrder is the cached layering of the DAG into batches that are
	// safe to run concurrently. Derived from the graph, never authoritative.
	ExecutionOrder [][]string `json:"execution_order,omitempty"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
	// Status is the overall session state.
	Status SessionStatus `json:"status"`
}
