// Package queue is the dispatch worker pool. Workers claim
// dispatch_tasks rows with FOR UPDATE SKIP LOCKED, run the event's
// workflow, replace the event's task_context wholesale, and publish
// terminal envelopes. Heartbeats and orphan recovery bound redelivery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/clarity-dev/clarity/pkg/models"
)

// ErrNoTasksAvailable is returned when no pending dispatch task exists.
var ErrNoTasksAvailable = errors.New("no pending dispatch tasks")

// WorkflowRunner executes the workflow for one event. Satisfied by
// *workflow.Runner.
type WorkflowRunner interface {
	Run(ctx context.Context, workflowType string, payload, meta map[string]any) *models.TaskContext
}

// EnvelopePublisher broadcasts terminal envelopes to subscribers.
// Satisfied by *events.Publisher; may be nil (delivery disabled).
type EnvelopePublisher interface {
	PublishExecutionUpdate(ctx context.Context, projectID string, payload map[string]any) error
	PublishError(ctx context.Context, projectID string, payload map[string]any) error
	PublishCompletion(ctx context.Context, projectID string, payload map[string]any) error
}

// TaskRegistry is the subset of WorkerPool workers use to register
// in-flight tasks for cancellation.
type TaskRegistry interface {
	RegisterTask(taskID int64, cancel context.CancelFunc)
	UnregisterTask(taskID int64)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID             string       `json:"id"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  int64        `json:"current_task_id,omitempty"`
	TasksProcessed int          `json:"tasks_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}

// PoolHealth is the pool-level health snapshot served by /health.
type PoolHealth struct {
	IsHealthy      bool           `json:"is_healthy"`
	DBReachable    bool           `json:"db_reachable"`
	DBError        string         `json:"db_error,omitempty"`
	PodID          string         `json:"pod_id"`
	ActiveWorkers  int            `json:"active_workers"`
	TotalWorkers   int            `json:"total_workers"`
	QueueDepth     int            `json:"queue_depth"`
	InProgress     int            `json:"in_progress"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
	LastOrphanScan time.Time      `json:"last_orphan_scan,omitempty"`
	TasksRequeued  int            `json:"tasks_requeued"`
	TasksFailed    int            `json:"tasks_failed"`
}
