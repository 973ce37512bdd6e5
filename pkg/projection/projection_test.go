package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/clarity-dev/clarity/pkg/models"
)

func ctx(metadata map[string]any, nodes map[string]models.NodeState) *models.TaskContext {
	return &models.TaskContext{
		Event:    map[string]any{},
		Metadata: metadata,
		Nodes:    nodes,
	}
}

func TestProjectNilContextIsIdle(t *testing.T) {
	p := Project(nil, "exec_1", "cust-1/proj-a", time.Now())

	assert.Equal(t, models.StatusIdle, p.Status)
	assert.Zero(t, p.Progress)
	assert.Empty(t, p.CurrentTask)
	assert.Equal(t, "cust-1", p.CustomerID)
	assert.NotNil(t, p.Artifacts.Logs)
	assert.NotNil(t, p.Artifacts.FilesModified)
}

func TestProjectPreparedIsInitializing(t *testing.T) {
	p := Project(ctx(map[string]any{"status": "prepared"}, nil), "exec_1", "p1", time.Now())

	assert.Equal(t, models.StatusInitializing, p.Status)
	assert.LessOrEqual(t, p.Progress, 10.0)
}

func TestProjectRunning(t *testing.T) {
	nodes := map[string]models.NodeState{
		"SelectNode":    {Status: models.NodeCompleted},
		"PrepNode":      {Status: models.NodeCompleted},
		"ProvisionNode": {Status: models.NodeRunning},
		"InstallNode":   {Status: models.NodeIdle},
	}
	p := Project(ctx(map[string]any{"task_id": "1.1.1"}, nodes), "exec_1", "p1", time.Now())

	assert.Equal(t, models.StatusRunning, p.Status)
	assert.Equal(t, "1.1.1", p.CurrentTask)
	assert.Equal(t, models.Totals{Completed: 2, Total: 4}, p.Totals)
	assert.InDelta(t, 50.0, p.Progress, 0.01)
	assert.Less(t, p.Progress, 100.0)
}

func TestProjectRunningWithoutTaskIDNamesANode(t *testing.T) {
	nodes := map[string]models.NodeState{
		"ProvisionNode": {Status: models.NodeRunning},
	}
	p := Project(ctx(nil, nodes), "exec_1", "p1", time.Now())

	assert.Equal(t, models.StatusRunning, p.Status)
	assert.NotEmpty(t, p.CurrentTask)
}

func TestProjectCompleted(t *testing.T) {
	nodes := map[string]models.NodeState{
		"SelectNode": {Status: models.NodeCompleted},
		"PrepNode":   {Status: models.NodeCompleted},
	}
	p := Project(ctx(map[string]any{"branch": "task/1-1-1"}, nodes), "exec_1", "p1", time.Now())

	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, 100.0, p.Progress)
	assert.Equal(t, p.Totals.Completed, p.Totals.Total)
	assert.Equal(t, "task/1-1-1", p.Branch)
}

func TestProjectErrorWinsOverEverything(t *testing.T) {
	nodes := map[string]models.NodeState{
		"SelectNode":  {Status: models.NodeCompleted},
		"InstallNode": {Status: models.NodeError, Message: "npm ci failed"},
	}
	p := Project(ctx(map[string]any{"status": "prepared"}, nodes), "exec_1", "p1", time.Now())

	assert.Equal(t, models.StatusError, p.Status)
}

func TestProjectMalformedMetadataDegrades(t *testing.T) {
	// Non-string values where strings are expected must not panic.
	metadata := map[string]any{
		"task_id":        42,
		"branch":         []int{1, 2},
		"logs":           "not-a-list",
		"files_modified": []any{"a.go", 7},
		"status":         true,
	}
	p := Project(ctx(metadata, nil), "exec_1", "p1", time.Now())

	assert.Equal(t, models.StatusIdle, p.Status)
	assert.Empty(t, p.CurrentTask)
	assert.Equal(t, []string{"a.go"}, p.Artifacts.FilesModified)
}

func TestProjectArtifacts(t *testing.T) {
	metadata := map[string]any{
		"repo_path":      "/workspace/repo",
		"branch":         "main",
		"logs":           []any{"cloned", "built"},
		"files_modified": []any{"src/a.ts"},
		"started_at":     "2026-08-24T10:00:00Z",
	}
	p := Project(ctx(metadata, nil), "exec_1", "cust/p", time.Now())

	assert.Equal(t, "/workspace/repo", p.Artifacts.RepoPath)
	assert.Equal(t, []string{"cloned", "built"}, p.Artifacts.Logs)
	assert.Equal(t, "2026-08-24T10:00:00Z", p.StartedAt)
}

// Invariants from the data model hold across a sweep of node shapes.
func TestProjectionInvariants(t *testing.T) {
	statuses := []string{models.NodeIdle, models.NodeRunning, models.NodeCompleted, models.NodeError}
	for _, a := range statuses {
		for _, b := range statuses {
			nodes := map[string]models.NodeState{
				"NodeA": {Status: a},
				"NodeB": {Status: b},
			}
			p := Project(ctx(map[string]any{"task_id": "t"}, nodes), "e", "p", time.Now())

			assert.GreaterOrEqual(t, p.Progress, 0.0)
			assert.LessOrEqual(t, p.Progress, 100.0)
			assert.LessOrEqual(t, p.Totals.Completed, p.Totals.Total)
			switch p.Status {
			case models.StatusIdle:
				assert.Zero(t, p.Progress)
				assert.Empty(t, p.CurrentTask)
			case models.StatusInitializing:
				assert.LessOrEqual(t, p.Progress, 10.0)
			case models.StatusRunning:
				assert.NotEmpty(t, p.CurrentTask)
				assert.Less(t, p.Progress, 100.0)
			case models.StatusCompleted:
				assert.Equal(t, 100.0, p.Progress)
				assert.Equal(t, p.Totals.Completed, p.Totals.Total)
			}
		}
	}
}

func TestProjectLifecycleOverrides(t *testing.T) {
	running := map[string]models.NodeState{
		"SelectNode":  {Status: models.NodeCompleted},
		"InstallNode": {Status: models.NodeRunning},
	}

	p := Project(ctx(map[string]any{"status": "paused"}, running), "exec_1", "p1", time.Now())
	assert.Equal(t, models.StatusPaused, p.Status)

	p = Project(ctx(map[string]any{"status": "stopping"}, running), "exec_1", "p1", time.Now())
	assert.Equal(t, models.StatusStopping, p.Status)

	p = Project(ctx(map[string]any{"status": "stopped"}, nil), "exec_1", "p1", time.Now())
	assert.Equal(t, models.StatusStopped, p.Status)
}

func TestProjectLifecycleNeverOverridesTerminal(t *testing.T) {
	errored := map[string]models.NodeState{"BuildNode": {Status: models.NodeError}}
	p := Project(ctx(map[string]any{"status": "paused"}, errored), "exec_1", "p1", time.Now())
	assert.Equal(t, models.StatusError, p.Status)

	done := map[string]models.NodeState{"PushNode": {Status: models.NodeCompleted}}
	p = Project(ctx(map[string]any{"status": "stopping"}, done), "exec_1", "p1", time.Now())
	assert.Equal(t, models.StatusCompleted, p.Status)
}
