package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarity-dev/clarity/pkg/config"
	"github.com/clarity-dev/clarity/pkg/database"
	"github.com/clarity-dev/clarity/pkg/models"
	"github.com/clarity-dev/clarity/pkg/services"
	"github.com/clarity-dev/clarity/pkg/workflow"
	testdb "github.com/clarity-dev/clarity/test/database"
)

type stubRegistry struct{}

func (stubRegistry) RegisterTask(int64, context.CancelFunc) {}
func (stubRegistry) UnregisterTask(int64)                   {}

// recordingRunner returns a canned terminal context.
type recordingRunner struct {
	mu     sync.Mutex
	runs   []string
	status string
}

func (r *recordingRunner) Run(_ context.Context, workflowType string, payload, meta map[string]any) *models.TaskContext {
	r.mu.Lock()
	r.runs = append(r.runs, workflowType)
	r.mu.Unlock()

	tc := workflow.Seed(payload, meta)
	status := r.status
	if status == "" {
		status = models.MetaCompleted
	}
	nodeStatus := models.NodeCompleted
	message := ""
	if status == models.MetaError {
		nodeStatus = models.NodeError
		message = "provision exploded"
	}
	tc.SetNode("provision", models.NodeState{Status: nodeStatus, Message: message})
	tc.SetMeta("status", status)
	return tc
}

type recordingPublisher struct {
	mu          sync.Mutex
	completions []map[string]any
	errors      []map[string]any
}

func (p *recordingPublisher) PublishExecutionUpdate(_ context.Context, _ string, payload map[string]any) error {
	return nil
}

func (p *recordingPublisher) PublishError(_ context.Context, _ string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, payload)
	return nil
}

func (p *recordingPublisher) PublishCompletion(_ context.Context, _ string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, payload)
	return nil
}

func queueTestConfig() config.QueueConfig {
	return config.QueueConfig{
		WorkerCount:        1,
		PollInterval:       50 * time.Millisecond,
		HeartbeatInterval:  time.Second,
		StaleClaimAfter:    5 * time.Minute,
		MaxClaimAttempts:   5,
		OrphanScanInterval: time.Minute,
	}
}

func newTestWorker(t *testing.T, client *database.Client, runner WorkflowRunner, publisher EnvelopePublisher) (*Worker, *services.EventService, *services.DispatchService) {
	t.Helper()
	eventSvc := services.NewEventService(client)
	dispatchSvc := services.NewDispatchService(client)
	w := NewWorker("w-0", "pod-test", client.DB(), eventSvc, queueTestConfig(), runner, stubRegistry{}, publisher)
	return w, eventSvc, dispatchSvc
}

func enqueueEvent(t *testing.T, eventSvc *services.EventService, dispatchSvc *services.DispatchService, payload map[string]any, workflowType string) (*models.Event, *models.DispatchTask) {
	t.Helper()
	ctx := context.Background()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	event, err := eventSvc.Create(ctx, data, workflowType)
	require.NoError(t, err)
	task, err := dispatchSvc.Enqueue(ctx, services.EnqueueInput{
		EventID:       event.ID,
		CorrelationID: "corr-1",
		ProjectID:     "acme-web",
		EventType:     workflowType,
	})
	require.NoError(t, err)
	return event, task
}

func TestClaimNextTaskOrdersByEnqueueTime(t *testing.T) {
	client := testdb.NewTestClient(t)
	w, eventSvc, dispatchSvc := newTestWorker(t, client, &recordingRunner{}, nil)
	ctx := context.Background()

	first, _ := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{"id": "sub-1"}, models.WorkflowPlaceholder)
	second, _ := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{"id": "sub-2"}, models.WorkflowPlaceholder)

	claimed, err := w.claimNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.EventID)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, models.DispatchInProgress, claimed.Status)

	claimed2, err := w.claimNextTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed2.EventID)

	_, err = w.claimNextTask(ctx)
	assert.ErrorIs(t, err, ErrNoTasksAvailable)
}

func TestPollAndProcessCompletesTask(t *testing.T) {
	client := testdb.NewTestClient(t)
	runner := &recordingRunner{}
	publisher := &recordingPublisher{}
	w, eventSvc, dispatchSvc := newTestWorker(t, client, runner, publisher)
	ctx := context.Background()

	event, task := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{
		"id": "sub-1", "type": models.WorkflowDevTeamAutomation, "project_id": "acme-web",
	}, models.WorkflowDevTeamAutomation)

	require.NoError(t, w.pollAndProcess(ctx))

	stored, err := dispatchSvc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchCompleted, stored.Status)

	reloaded, err := eventSvc.Get(ctx, event.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.TaskContext)
	tc := reloaded.TaskContext
	assert.Equal(t, models.MetaCompleted, tc.MetaString("status"))
	assert.Equal(t, "corr-1", tc.MetaString("correlationId"))
	assert.Equal(t, "exec_"+event.ID, tc.MetaString("executionId"))
	assert.EqualValues(t, task.ID, tc.Metadata["taskId"])
	latency, ok := tc.Metadata["enqueueLatencyMs"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, latency, float64(0))

	require.Len(t, publisher.completions, 1)
	assert.Equal(t, "exec_"+event.ID, publisher.completions[0]["execution_id"])
	assert.Equal(t, []string{models.WorkflowDevTeamAutomation}, runner.runs)
}

func TestPollAndProcessWorkflowErrorIsAcked(t *testing.T) {
	client := testdb.NewTestClient(t)
	runner := &recordingRunner{status: models.MetaError}
	publisher := &recordingPublisher{}
	w, eventSvc, dispatchSvc := newTestWorker(t, client, runner, publisher)
	ctx := context.Background()

	event, task := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{"id": "sub-1"}, models.WorkflowDevTeamAutomation)

	require.NoError(t, w.pollAndProcess(ctx))

	// Workflow-internal failure is captured, not redelivered.
	stored, err := dispatchSvc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchCompleted, stored.Status)

	reloaded, err := eventSvc.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MetaError, reloaded.TaskContext.MetaString("status"))

	require.Len(t, publisher.errors, 1)
	assert.Equal(t, "provision", publisher.errors[0]["node"])
	assert.Equal(t, "provision exploded", publisher.errors[0]["message"])
}

func TestPollAndProcessAbandonsExhaustedTask(t *testing.T) {
	client := testdb.NewTestClient(t)
	publisher := &recordingPublisher{}
	runner := &recordingRunner{}
	w, eventSvc, dispatchSvc := newTestWorker(t, client, runner, publisher)
	ctx := context.Background()

	_, task := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{"id": "sub-1"}, models.WorkflowPlaceholder)

	// Simulate prior lost claims at the redelivery bound.
	_, err := client.DB().ExecContext(ctx,
		`UPDATE dispatch_tasks SET attempts = $1 WHERE id = $2`,
		queueTestConfig().MaxClaimAttempts, task.ID)
	require.NoError(t, err)

	require.NoError(t, w.pollAndProcess(ctx))

	stored, err := dispatchSvc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchFailed, stored.Status)
	assert.Contains(t, stored.LastError, "abandoned")
	assert.Empty(t, runner.runs, "workflow does not run for abandoned tasks")
	require.Len(t, publisher.errors, 1)
}

func TestPoolStartupReleasesOwnClaims(t *testing.T) {
	client := testdb.NewTestClient(t)
	eventSvc := services.NewEventService(client)
	dispatchSvc := services.NewDispatchService(client)
	ctx := context.Background()

	_, task := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{"id": "sub-1"}, models.WorkflowPlaceholder)
	_, err := client.DB().ExecContext(ctx, `
		UPDATE dispatch_tasks SET status = $1, claimed_by = $2, claimed_at = now(), heartbeat_at = now()
		WHERE id = $3`, models.DispatchInProgress, "pod-test", task.ID)
	require.NoError(t, err)

	pool := NewWorkerPool("pod-test", client, eventSvc, queueTestConfig(), &recordingRunner{}, nil)
	require.NoError(t, pool.releaseStartupClaims(ctx))

	stored, err := dispatchSvc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchPending, stored.Status)
	assert.Empty(t, stored.ClaimedBy)
}

func TestRecoverOrphans(t *testing.T) {
	client := testdb.NewTestClient(t)
	eventSvc := services.NewEventService(client)
	dispatchSvc := services.NewDispatchService(client)
	ctx := context.Background()

	_, stale := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{"id": "sub-1"}, models.WorkflowPlaceholder)
	_, exhausted := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{"id": "sub-2"}, models.WorkflowPlaceholder)
	_, fresh := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{"id": "sub-3"}, models.WorkflowPlaceholder)

	cfg := queueTestConfig()
	staleTime := time.Now().Add(-cfg.StaleClaimAfter - time.Minute)
	set := func(id int64, heartbeat time.Time, attempts int) {
		_, err := client.DB().ExecContext(ctx, `
			UPDATE dispatch_tasks SET status = $1, claimed_by = 'pod-gone', claimed_at = now(),
			       heartbeat_at = $2, attempts = $3 WHERE id = $4`,
			models.DispatchInProgress, heartbeat, attempts, id)
		require.NoError(t, err)
	}
	set(stale.ID, staleTime, 1)
	set(exhausted.ID, staleTime, cfg.MaxClaimAttempts)
	set(fresh.ID, time.Now(), 1)

	pool := NewWorkerPool("pod-test", client, eventSvc, cfg, &recordingRunner{}, nil)
	require.NoError(t, pool.recoverOrphans(ctx))

	staleStored, _ := dispatchSvc.Get(ctx, stale.ID)
	assert.Equal(t, models.DispatchPending, staleStored.Status)

	exhaustedStored, _ := dispatchSvc.Get(ctx, exhausted.ID)
	assert.Equal(t, models.DispatchFailed, exhaustedStored.Status)

	freshStored, _ := dispatchSvc.Get(ctx, fresh.ID)
	assert.Equal(t, models.DispatchInProgress, freshStored.Status,
		"heartbeating tasks are untouched regardless of age")

	health := pool.Health()
	assert.Equal(t, 1, health.TasksRequeued)
	assert.Equal(t, 1, health.TasksFailed)
}

func TestPoolRunsEndToEnd(t *testing.T) {
	client := testdb.NewTestClient(t)
	eventSvc := services.NewEventService(client)
	dispatchSvc := services.NewDispatchService(client)
	runner := &recordingRunner{}

	_, task := enqueueEvent(t, eventSvc, dispatchSvc, map[string]any{"id": "sub-1"}, models.WorkflowPlaceholder)

	pool := NewWorkerPool("pod-test", client, eventSvc, queueTestConfig(), runner, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		stored, err := dispatchSvc.Get(context.Background(), task.ID)
		return err == nil && stored.Status == models.DispatchCompleted
	}, 10*time.Second, 100*time.Millisecond)

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.Equal(t, 1, health.TotalWorkers)
	assert.Zero(t, health.QueueDepth)
}
