package models

import (
	"encoding/json"
	"time"
)

// WorkerInput is the sole input a worker receives for a subtask.
// It is the boundary with role-specific worker implementations, which are
// external collaborators; the orchestrator never inspects InputData.
type WorkerInput struct {
	TaskID      string          `json:"task_id"`
	Description string          `json:"description"`
	Role        Role            `json:"role"`
	InputData   json.RawMessage `json:"input_data,omitempty"`
}

// WorkerResultStatus is the worker-reported outcome of an execution.
type WorkerResultStatus string

const (
	// WorkerCompleted indicates the worker finished its subtask.
	WorkerCompleted WorkerResultStatus = "completed"
	// WorkerFailed indicates the worker gave up with an error.
	WorkerFailed WorkerResultStatus = "failed"
)

// ResourceUsage is coarse accounting reported by a worker.
type ResourceUsage struct {
	TokensUsed int64   `json:"tokens_used,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
}

// WorkerOutput is everything a worker hands back to the dispatcher.
type WorkerOutput struct {
	TaskID        string             `json:"task_id"`
	Status        WorkerResultStatus `json:"status"`
	OutputData    json.RawMessage    `json:"output_data,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	ExecutionTime time.Duration      `json:"execution_time"`
	ResourceUsage ResourceUsage      `json:"resource_usage"`
}
