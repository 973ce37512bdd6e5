package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/clarity-dev/clarity/pkg/config"
	"github.com/clarity-dev/clarity/pkg/models"
	"github.com/clarity-dev/clarity/pkg/services"
)

// Worker is a single dispatch worker polling for pending tasks.
type Worker struct {
	id        string
	podID     string
	db        *sql.DB
	events    *services.EventService
	cfg       config.QueueConfig
	runner    WorkflowRunner
	publisher EnvelopePublisher
	pool      TaskRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  int64
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a dispatch worker. publisher may be nil (delivery
// disabled).
func NewWorker(id, podID string, db *sql.DB, events *services.EventService, cfg config.QueueConfig, runner WorkflowRunner, pool TaskRegistry, publisher EnvelopePublisher) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		db:           db,
		events:       events,
		cfg:          cfg,
		runner:       runner,
		publisher:    publisher,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its
// current task. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Dispatch worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing dispatch task", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one pending task and processes it to a terminal
// dispatch status.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	task, err := w.claimNextTask(ctx)
	if err != nil {
		return err
	}

	log := slog.With("task_id", task.ID, "event_id", task.EventID, "worker_id", w.id)
	log.Info("Dispatch task claimed", "attempt", task.Attempts)

	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, 0)

	if task.Attempts > w.cfg.MaxClaimAttempts {
		// Redelivery bound: the task was claimed and lost too many times.
		msg := fmt.Sprintf("abandoned after %d claim attempts", task.Attempts)
		w.markTerminal(task.ID, models.DispatchFailed, msg)
		w.publishErrorEnvelope(task, msg)
		log.Warn("Dispatch task abandoned", "attempts", task.Attempts)
		return nil
	}

	event, err := w.events.Get(ctx, task.EventID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// Nothing to retry against; fail non-retriably.
			w.markTerminal(task.ID, models.DispatchFailed, "event not found")
			log.Warn("Dispatch task references missing event")
			return nil
		}
		w.release(task, fmt.Sprintf("load event: %v", err))
		return fmt.Errorf("failed to load event %s: %w", task.EventID, err)
	}

	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()
	w.pool.RegisterTask(task.ID, cancelTask)
	defer w.pool.UnregisterTask(task.ID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, task.ID)

	tc := w.runner.Run(taskCtx, event.WorkflowType, submissionPayload(event), seedMetadata(task, event))
	mergeRuntimeMetadata(tc, task, event)

	cancelHeartbeat()

	// Persist with a background context: the task ctx may be cancelled.
	persistCtx, cancelPersist := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelPersist()
	if err := w.events.UpdateTaskContext(persistCtx, event.ID, tc); err != nil {
		w.release(task, fmt.Sprintf("persist task_context: %v", err))
		return fmt.Errorf("failed to persist task_context for event %s: %w", event.ID, err)
	}

	w.publishTerminalEnvelope(task, event, tc)
	w.markTerminal(task.ID, models.DispatchCompleted, "")

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Dispatch task complete", "workflow_status", tc.MetaString("status"))
	return nil
}

// claimNextTask atomically claims the oldest pending task using
// FOR UPDATE SKIP LOCKED, incrementing its attempt counter.
func (w *Worker) claimNextTask(ctx context.Context) (*models.DispatchTask, error) {
	row := w.db.QueryRowContext(ctx, `
		UPDATE dispatch_tasks
		SET status = $1, claimed_by = $2, claimed_at = now(), heartbeat_at = now(), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM dispatch_tasks
			WHERE status = $3
			ORDER BY enqueue_time ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, correlation_id, project_id, event_type, enqueue_time, attempts`,
		models.DispatchInProgress, w.podID, models.DispatchPending)

	task := &models.DispatchTask{Status: models.DispatchInProgress, ClaimedBy: w.podID}
	err := row.Scan(&task.ID, &task.EventID, &task.CorrelationID, &task.ProjectID,
		&task.EventType, &task.EnqueueTime, &task.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTasksAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim dispatch task: %w", err)
	}
	return task, nil
}

// runHeartbeat periodically stamps heartbeat_at for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, taskID int64) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.db.ExecContext(ctx,
				`UPDATE dispatch_tasks SET heartbeat_at = now() WHERE id = $1`, taskID); err != nil {
				slog.Warn("Heartbeat update failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// markTerminal records a terminal dispatch status. Uses a background
// context so shutdown cannot strand an in_progress row.
func (w *Worker) markTerminal(taskID int64, status, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.db.ExecContext(ctx,
		`UPDATE dispatch_tasks SET status = $1, last_error = NULLIF($2, '') WHERE id = $3`,
		status, lastError, taskID); err != nil {
		slog.Error("Failed to update dispatch task status",
			"task_id", taskID, "status", status, "error", err)
	}
}

// release returns a task to pending for redelivery after an
// infrastructure error, or fails it once the claim bound is exhausted.
func (w *Worker) release(task *models.DispatchTask, reason string) {
	if task.Attempts >= w.cfg.MaxClaimAttempts {
		w.markTerminal(task.ID, models.DispatchFailed, reason)
		w.publishErrorEnvelope(task, reason)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.db.ExecContext(ctx,
		`UPDATE dispatch_tasks SET status = $1, claimed_by = NULL, claimed_at = NULL, last_error = $2 WHERE id = $3`,
		models.DispatchPending, reason, task.ID); err != nil {
		slog.Error("Failed to release dispatch task", "task_id", task.ID, "error", err)
	}
}

// publishTerminalEnvelope broadcasts the workflow outcome. Delivery is
// best-effort: the task_context is already persisted and late
// subscribers recover through catchup and the status endpoint.
func (w *Worker) publishTerminalEnvelope(task *models.DispatchTask, event *models.Event, tc *models.TaskContext) {
	if w.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := map[string]any{
		"execution_id": tc.MetaString("executionId"),
		"event_id":     event.ID,
		"status":       tc.MetaString("status"),
	}

	var err error
	if tc.MetaString("status") == models.MetaError {
		if node, msg := failingNode(tc); node != "" {
			payload["node"] = node
			payload["message"] = msg
		}
		err = w.publisher.PublishError(ctx, task.ProjectID, payload)
	} else {
		err = w.publisher.PublishCompletion(ctx, task.ProjectID, payload)
	}
	if err != nil {
		slog.Warn("Failed to publish terminal envelope",
			"task_id", task.ID, "project_id", task.ProjectID, "error", err)
	}
}

func (w *Worker) publishErrorEnvelope(task *models.DispatchTask, message string) {
	if w.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.publisher.PublishError(ctx, task.ProjectID, map[string]any{
		"event_id": task.EventID,
		"message":  message,
	}); err != nil {
		slog.Warn("Failed to publish error envelope",
			"task_id", task.ID, "project_id", task.ProjectID, "error", err)
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, taskID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

// submissionPayload decodes the event's immutable submission data.
func submissionPayload(event *models.Event) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		slog.Warn("Event data is not a JSON object, running with empty payload",
			"event_id", event.ID, "error", err)
		return map[string]any{}
	}
	return payload
}

// seedMetadata builds the initial workflow metadata from the dispatch
// task and the submission.
func seedMetadata(task *models.DispatchTask, event *models.Event) map[string]any {
	payload := submissionPayload(event)
	meta := map[string]any{
		"correlationId": task.CorrelationID,
		"project_id":    task.ProjectID,
		"workflow_type": event.WorkflowType,
		"executionId":   executionID(event),
	}
	if priority, ok := payload["priority"].(string); ok && priority != "" {
		meta["priority"] = priority
	}
	if taskSpec, ok := payload["task"].(map[string]any); ok {
		if id, ok := taskSpec["id"].(string); ok && id != "" {
			meta["task_id"] = id
		}
	}
	return meta
}

// mergeRuntimeMetadata stamps the dispatcher's runtime fields into the
// final context before it replaces event.task_context wholesale.
func mergeRuntimeMetadata(tc *models.TaskContext, task *models.DispatchTask, event *models.Event) {
	tc.SetMeta("correlationId", task.CorrelationID)
	tc.SetMeta("taskId", task.ID)
	tc.SetMeta("executionId", executionID(event))
	tc.SetMeta("enqueueLatencyMs", time.Since(task.EnqueueTime).Milliseconds())
}

// executionID resolves the execution id recorded at initialize time,
// falling back to the derived form for directly submitted events.
func executionID(event *models.Event) string {
	var data struct {
		Data struct {
			ExecutionID string `json:"execution_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(event.Data, &data); err == nil && data.Data.ExecutionID != "" {
		return data.Data.ExecutionID
	}
	return "exec_" + event.ID
}

// failingNode finds the errored node and its message, if any.
func failingNode(tc *models.TaskContext) (string, string) {
	for name, node := range tc.Nodes {
		if node.Status == models.NodeError {
			return name, node.Message
		}
	}
	return "", ""
}
