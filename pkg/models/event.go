// Package models defines the shared data types of the orchestrator:
// the persisted Event, the task_context accumulated by workflows, the
// submission payload accepted at ingress, and the public status
// projection derived for clients.
package models

import (
	"encoding/json"
	"time"
)

// Workflow type discriminators. Unknown submission types fall back to
// WorkflowPlaceholder at ingestion.
const (
	WorkflowDevTeamAutomation = "DEVTEAM_AUTOMATION"
	WorkflowPlaceholder       = "PLACEHOLDER"
)

// Event is the durable record of one submission, the sole persistence
// boundary. Data is immutable after creation; TaskContext is replaced
// wholesale by the dispatcher after each workflow run.
type Event struct {
	ID           string          `json:"id"`
	Data         json.RawMessage `json:"data"`
	WorkflowType string          `json:"workflow_type"`
	TaskContext  *TaskContext    `json:"task_context,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DispatchTask is one row of the processing queue. Workers claim rows
// with FOR UPDATE SKIP LOCKED, which guarantees at most one dispatcher
// per event at a time.
type DispatchTask struct {
	ID            int64      `json:"id"`
	EventID       string     `json:"event_id"`
	CorrelationID string     `json:"correlation_id"`
	ProjectID     string     `json:"project_id"`
	EventType     string     `json:"event_type"`
	EnqueueTime   time.Time  `json:"enqueue_time"`
	Status        string     `json:"status"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Dispatch task statuses.
const (
	DispatchPending    = "pending"
	DispatchInProgress = "in_progress"
	DispatchCompleted  = "completed"
	DispatchFailed     = "failed"
)
