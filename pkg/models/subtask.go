package models

import (
	"encoding/json"
	"time"
)

// SubtaskStatus represents the current state of a subtask.
type SubtaskStatus string

const (
	// StatusPending indicates the subtask is waiting on dependencies.
	StatusPending SubtaskStatus = "pending"
	// StatusReady indicates all dependencies are completed and the subtask is eligible for dispatch.
	StatusReady SubtaskStatus = "ready"
	// StatusRunning indicates a worker is executing the subtask.
	StatusRunning SubtaskStatus = "running"
	// StatusCompleted indicates the subtask finished successfully.
	StatusCompleted SubtaskStatus = "completed"
	// StatusFailed indicates the most recent attempt failed.
	StatusFailed SubtaskStatus = "failed"
	// StatusRetrying indicates the reflexion loop accepted the failure for another attempt.
	StatusRetrying SubtaskStatus = "retrying"
	// StatusAborted indicates the subtask will never run again.
	StatusAborted SubtaskStatus = "aborted"
)

// Valid returns true if the status is a known value.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusRunning, StatusCompleted,
		StatusFailed, StatusRetrying, StatusAborted:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further automatic transition occurs from this status.
// A failed subtask is terminal only once its retry budget is exhausted; that
// decision is made by the reflexion loop, so failed is reported as non-terminal
// here and Settled is used when "will not change on its own" is what matters.
func (s SubtaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted:
		return true
	default:
		return false
	}
}

// Settled returns true if the subtask has stopped executing, successfully or not.
// The result aggregator waits for every reachable subtask to settle.
func (s SubtaskStatus) Settled() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Any non-terminal status may move to aborted, which is
// how session cancellation sweeps the graph.
func CanTransition(from, to SubtaskStatus) bool {
	if to == StatusAborted {
		return from != StatusCompleted && from != StatusAborted
	}
	switch from {
	case StatusPending:
		return to == StatusReady
	case StatusReady:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusRetrying
	case StatusRetrying:
		return to == StatusReady
	default:
		return false
	}
}

// Role identifies the kind of worker a subtask is bound to.
// The set is closed: a role is a capability contract, and any worker
// implementation satisfying the contract may be registered for it.
type Role string

const (
	RoleResearcher Role = "researcher"
	RoleDesigner   Role = "designer"
	RoleCoder      Role = "coder"
	RoleTester     Role = "tester"
	RoleWriter     Role = "writer"
	RoleReviewer   Role = "reviewer"
)

// AllRoles lists every known role in a stable order.
func AllRoles() []Role {
	return []Role{RoleResearcher, RoleDesigner, RoleCoder, RoleTester, RoleWriter, RoleReviewer}
}

// Valid returns true if the role is a known value.
func (r Role) Valid() bool {
	switch r {
	case RoleResearcher, RoleDesigner, RoleCoder, RoleTester, RoleWriter, RoleReviewer:
		return true
	default:
		return false
	}
}

// Subtask is one unit of work inside a session's task graph.
type Subtask struct {
	// ID is the unique identifier for this subtask, stable for the session's lifetime.
	ID string `json:"id"`
	// SessionID identifies the owning session.
	SessionID string `json:"session_id"`
	// Description is the goal text passed to the assigned worker.
	Description string `json:"description"`
	// Role selects which worker implementation executes this subtask.
	Role Role `json:"role"`
	// Dependencies lists subtask IDs that must complete before this subtask may start.
	Dependencies []string `json:"dependencies,omitempty"`
	// Status is the current state machine position.
	Status SubtaskStatus `json:"status"`
	// StatusReason records why the last transition happened (e.g. "timeout").
	StatusReason string `json:"status_reason,omitempty"`
	// Priority breaks ties among ready subtasks; higher runs first.
	Priority int `json:"priority"`
	// Seq is the insertion order within the session, used as the stable tie-break.
	Seq int `json:"seq"`
	// AttemptCount is the number of completed execution attempts.
	AttemptCount int `json:"attempt_count"`
	// MaxRetries bounds reflexion retries; the subtask is dispatched at most MaxRetries+1 times.
	MaxRetries int `json:"max_retries"`
	// InputPayload is opaque role-specific input for the worker.
	InputPayload json.RawMessage `json:"input_payload,omitempty"`
	// OutputPayload is opaque role-specific output written on completion.
	OutputPayload json.RawMessage `json:"output_payload,omitempty"`
	// Timeout is the maximum wall-clock duration before the subtask is failed by timeout.
	Timeout time.Duration `json:"timeout"`
	// CreatedAt is when the subtask record was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the subtask settled, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the subtask. Schedulers and dispatchers hand
// out clones so no component mutates another's view by reference.
func (t *Subtask) Clone() *Subtask {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.InputPayload != nil {
		cp.InputPayload = append(json.RawMessage(nil), t.InputPayload...)
	}
	if t.OutputPayload != nil {
		cp.OutputPayload = append(json.RawMessage(nil), t.OutputPayload...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}
