package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarity-dev/clarity/pkg/models"
	testdb "github.com/clarity-dev/clarity/test/database"
)

// TestEventServiceCRUD exercises the events table end to end.
func TestEventServiceCRUD(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	events := NewEventService(client)

	created, err := events.Create(ctx, json.RawMessage(`{"project_id":"acme/web"}`), models.WorkflowDevTeamAutomation)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Nil(t, created.TaskContext)

	loaded, err := events.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowDevTeamAutomation, loaded.WorkflowType)
	assert.JSONEq(t, `{"project_id":"acme/web"}`, string(loaded.Data))

	// task_context replacement
	tc := models.NewTaskContext(map[string]any{"project_id": "acme/web"}, map[string]any{
		"project_id": "acme/web",
		"status":     models.MetaPrepared,
	})
	tc.SetNode("SelectNode", models.NodeState{Status: models.NodeCompleted})
	require.NoError(t, events.UpdateTaskContext(ctx, created.ID, tc))

	loaded, err = events.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.TaskContext)
	assert.Equal(t, "acme/web", loaded.TaskContext.MetaString("project_id"))
	assert.Equal(t, models.NodeCompleted, loaded.TaskContext.Nodes["SelectNode"].Status)

	_, err = events.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventServiceFindLatestByProject(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	events := NewEventService(client)

	first, err := events.Create(ctx, json.RawMessage(`{"project_id":"acme/web"}`), models.WorkflowPlaceholder)
	require.NoError(t, err)
	_, err = events.Create(ctx, json.RawMessage(`{"project_id":"other/app"}`), models.WorkflowPlaceholder)
	require.NoError(t, err)
	second, err := events.Create(ctx, json.RawMessage(`{"project_id":"acme/web"}`), models.WorkflowPlaceholder)
	require.NoError(t, err)

	latest, err := events.FindLatestByProject(ctx, "acme/web", 100)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, latest.ID)

	// The dispatcher's metadata.project_id takes precedence over payload.
	tc := models.NewTaskContext(nil, map[string]any{"project_id": "acme/web"})
	require.NoError(t, events.UpdateTaskContext(ctx, second.ID, tc))
	latest, err = events.FindLatestByProject(ctx, "acme/web", 100)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = events.FindLatestByProject(ctx, "nobody/home", 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatchServiceEnqueue(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	events := NewEventService(client)
	dispatch := NewDispatchService(client)

	event, err := events.Create(ctx, json.RawMessage(`{"project_id":"p1"}`), models.WorkflowPlaceholder)
	require.NoError(t, err)

	task, err := dispatch.Enqueue(ctx, EnqueueInput{
		EventID:       event.ID,
		CorrelationID: "corr-1",
		ProjectID:     "p1",
		EventType:     models.WorkflowPlaceholder,
	})
	require.NoError(t, err)
	assert.Positive(t, task.ID)
	assert.Equal(t, models.DispatchPending, task.Status)
	assert.WithinDuration(t, time.Now(), task.EnqueueTime, time.Minute)

	loaded, err := dispatch.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ID, loaded.EventID)
	assert.Zero(t, loaded.Attempts)
	assert.Nil(t, loaded.ClaimedAt)

	pending, err := dispatch.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestSubmitEventPersistsAndEnqueues(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	events := NewEventService(client)
	dispatch := NewDispatchService(client)
	svc := NewAutomationService(events, dispatch, nil)

	result, err := svc.SubmitEvent(ctx, &models.Submission{
		ID:        "sub-1",
		Type:      models.WorkflowDevTeamAutomation,
		ProjectID: "acme/web",
		Metadata:  &models.SubmissionMetadata{CorrelationID: "corr-42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted", result.Status)
	assert.Equal(t, "corr-42", result.CorrelationID)
	assert.Equal(t, models.WorkflowDevTeamAutomation, result.EventType)
	require.NotNil(t, result.TaskID)

	task, err := dispatch.Get(ctx, *result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, result.EventID, task.EventID)
	assert.Equal(t, "acme/web", task.ProjectID)
}

func TestSubmitEventUnknownTypeFallsBack(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	svc := NewAutomationService(NewEventService(client), NewDispatchService(client), nil)

	result, err := svc.SubmitEvent(ctx, &models.Submission{
		ID:        "sub-2",
		Type:      "NOT_A_WORKFLOW",
		ProjectID: "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowPlaceholder, result.EventType)
	// The client correlation id defaults to the event id.
	assert.Equal(t, result.EventID, result.CorrelationID)
}

func TestInitializeTwoPhaseWrite(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	events := NewEventService(client)
	svc := NewAutomationService(events, NewDispatchService(client), nil)

	result, err := svc.Initialize(ctx, InitializeInput{
		ProjectID: "acme/web",
		Task:      &models.TaskSpec{ID: "T-1", Title: "wire checkout"},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^exec_[0-9a-f-]{36}$`, result.ExecutionID)
	require.NotNil(t, result.TaskID)

	event, err := events.Get(ctx, result.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowDevTeamAutomation, event.WorkflowType)

	var sub models.Submission
	require.NoError(t, json.Unmarshal(event.Data, &sub))
	assert.Equal(t, result.ExecutionID, sub.ID)
	assert.Equal(t, "acme/web", sub.ProjectID)
	require.NotNil(t, sub.Task)
	assert.Equal(t, "T-1", sub.Task.ID)
	assert.Equal(t, result.EventID, sub.Data["event_id"])
}

func TestInitializeIdempotencyReplay(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	svc := NewAutomationService(NewEventService(client), NewDispatchService(client), nil)

	in := InitializeInput{
		ProjectID: "acme/web",
		Options:   &models.SubmissionOptions{IdempotencyKey: "key-1"},
	}
	first, err := svc.Initialize(ctx, in)
	require.NoError(t, err)

	_, err = svc.Initialize(ctx, in)
	require.Error(t, err)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.ExecutionID, conflict.Details["execution_id"])
	assert.Equal(t, first.EventID, conflict.Details["event_id"])
	assert.Equal(t, true, conflict.Details["replay"])

	// A different key starts a fresh execution.
	other, err := svc.Initialize(ctx, InitializeInput{
		ProjectID: "acme/web",
		Options:   &models.SubmissionOptions{IdempotencyKey: "key-2"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ExecutionID, other.ExecutionID)
}

func TestLifecycleStatusAndTransitions(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	events := NewEventService(client)
	svc := NewAutomationService(events, NewDispatchService(client), nil)

	_, err := svc.Status(ctx, "acme/web")
	assert.ErrorIs(t, err, ErrNotFound)

	result, err := svc.Initialize(ctx, InitializeInput{ProjectID: "acme/web"})
	require.NoError(t, err)

	// Simulate the dispatcher: a running pipeline.
	tc := models.NewTaskContext(nil, map[string]any{"project_id": "acme/web", "task_id": "T-1"})
	tc.SetNode("SelectNode", models.NodeState{Status: models.NodeCompleted})
	tc.SetNode("InstallNode", models.NodeState{Status: models.NodeRunning})
	require.NoError(t, events.UpdateTaskContext(ctx, result.EventID, tc))

	status, err := svc.Status(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, status.Status)
	assert.Equal(t, result.ExecutionID, status.ExecutionID)

	// running → paused → running
	paused, err := svc.Transition(ctx, "acme/web", models.StatusPaused)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)

	resumed, err := svc.Transition(ctx, "acme/web", models.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resumed.Status)

	// running → stopping; pause is no longer allowed from stopping.
	stopping, err := svc.Transition(ctx, "acme/web", models.StatusStopping)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopping, stopping.Status)

	_, err = svc.Transition(ctx, "acme/web", models.StatusPaused)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t,
		[]models.ExecutionStatus{models.StatusStopped, models.StatusError},
		conflict.Details["valid_transitions"])
}

func TestTransitionDisallowedFromCompleted(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	events := NewEventService(client)
	svc := NewAutomationService(events, NewDispatchService(client), nil)

	result, err := svc.Initialize(ctx, InitializeInput{ProjectID: "acme/web"})
	require.NoError(t, err)

	tc := models.NewTaskContext(nil, map[string]any{"project_id": "acme/web"})
	tc.SetNode("PushNode", models.NodeState{Status: models.NodeCompleted})
	require.NoError(t, events.UpdateTaskContext(ctx, result.EventID, tc))

	_, err = svc.Transition(ctx, "acme/web", models.StatusPaused)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t,
		[]models.ExecutionStatus{models.StatusError},
		conflict.Details["valid_transitions"])
}

func TestRetentionServicePurges(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	retention := NewRetentionService(client)

	_, err := client.DB().ExecContext(ctx,
		`INSERT INTO ws_events (project_id, channel, payload, created_at)
		 VALUES ('p1', 'project:p1', '{}', now() - interval '2 days'),
		        ('p1', 'project:p1', '{}', now())`)
	require.NoError(t, err)

	removed, err := retention.PurgeWSEvents(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var remaining int
	require.NoError(t, client.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM ws_events").Scan(&remaining))
	assert.Equal(t, 1, remaining)
}
