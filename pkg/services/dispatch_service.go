package services

import (
	"context"
	"fmt"

	"github.com/clarity-dev/clarity/pkg/database"
	"github.com/clarity-dev/clarity/pkg/models"
)

// DispatchService enqueues processing tasks onto the DB-backed queue.
// Claiming, heartbeats and terminal updates live with the worker pool;
// this service is the producer side only.
type DispatchService struct {
	client *database.Client
}

// NewDispatchService creates a new DispatchService.
func NewDispatchService(client *database.Client) *DispatchService {
	if client == nil {
		panic("NewDispatchService: client must not be nil")
	}
	return &DispatchService{client: client}
}

// EnqueueInput is the addressing header set carried by a dispatch task.
type EnqueueInput struct {
	EventID       string
	CorrelationID string
	ProjectID     string
	EventType     string
}

// Enqueue inserts a pending dispatch task for an event. enqueue_time is
// stamped by the database so latency math is consistent across pods.
func (s *DispatchService) Enqueue(ctx context.Context, in EnqueueInput) (*models.DispatchTask, error) {
	task := &models.DispatchTask{
		EventID:       in.EventID,
		CorrelationID: in.CorrelationID,
		ProjectID:     in.ProjectID,
		EventType:     in.EventType,
		Status:        models.DispatchPending,
	}

	row := s.client.DB().QueryRowContext(ctx,
		`INSERT INTO dispatch_tasks (event_id, correlation_id, project_id, event_type, enqueue_time, status, created_at)
		 VALUES ($1, $2, $3, $4, now(), $5, now())
		 RETURNING id, enqueue_time, created_at`,
		in.EventID, in.CorrelationID, in.ProjectID, in.EventType, models.DispatchPending)
	if err := row.Scan(&task.ID, &task.EnqueueTime, &task.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to enqueue dispatch task: %w", err)
	}
	return task, nil
}

// Get loads a dispatch task by id.
func (s *DispatchService) Get(ctx context.Context, id int64) (*models.DispatchTask, error) {
	row := s.client.DB().QueryRowContext(ctx,
		`SELECT id, event_id, correlation_id, project_id, event_type, enqueue_time,
		        status, COALESCE(claimed_by, ''), claimed_at, attempts, COALESCE(last_error, ''), created_at
		 FROM dispatch_tasks WHERE id = $1`, id)

	var task models.DispatchTask
	err := row.Scan(&task.ID, &task.EventID, &task.CorrelationID, &task.ProjectID,
		&task.EventType, &task.EnqueueTime, &task.Status, &task.ClaimedBy,
		&task.ClaimedAt, &task.Attempts, &task.LastError, &task.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("dispatch task %d: %w", id, ErrNotFound)
	}
	return &task, nil
}

// PendingCount reports the queue backlog, for the health endpoint.
func (s *DispatchService) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.client.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dispatch_tasks WHERE status = $1",
		models.DispatchPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return count, nil
}
