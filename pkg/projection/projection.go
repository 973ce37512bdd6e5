// Package projection derives the public execution status from an
// Event's task_context. Pure CPU: no I/O, no suspension, and no panics.
// Malformed input degrades to safe defaults.
package projection

import (
	"log/slog"
	"sort"
	"time"

	"github.com/clarity-dev/clarity/pkg/models"
)

// Project derives a StatusProjection. It never panics: a catastrophic
// failure yields an error projection with zero progress and empty
// artifacts.
func Project(tc *models.TaskContext, executionID, projectID string, updatedAt time.Time) (proj models.StatusProjection) {
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Status projection recovered from malformed context",
				"execution_id", executionID, "project_id", projectID, "panic", r)
			proj = errorProjection(executionID, projectID, updatedAt)
		}
	}()

	proj = models.StatusProjection{
		ExecutionID: executionID,
		ProjectID:   projectID,
		CustomerID:  models.CustomerID(projectID),
		Status:      models.StatusIdle,
		UpdatedAt:   updatedAt.UTC().Format(time.RFC3339),
		Artifacts:   models.Artifacts{Logs: []string{}, FilesModified: []string{}},
	}
	if tc == nil {
		return proj
	}

	completed, running, errored := 0, 0, 0
	total := len(tc.Nodes)
	for _, node := range tc.Nodes {
		switch node.Status {
		case models.NodeCompleted:
			completed++
		case models.NodeRunning:
			running++
		case models.NodeError:
			errored++
		}
	}
	proj.Totals = models.Totals{Completed: completed, Total: total}

	// Status precedence, highest first.
	switch {
	case errored > 0:
		proj.Status = models.StatusError
	case total > 0 && completed == total:
		proj.Status = models.StatusCompleted
	case running > 0 || completed > 0:
		proj.Status = models.StatusRunning
	case tc.MetaString("status") == models.MetaPrepared:
		proj.Status = models.StatusInitializing
	default:
		proj.Status = models.StatusIdle
	}

	// Lifecycle control signals recorded by pause/resume/stop override a
	// non-terminal node-derived status; errored or fully-completed nodes
	// always win.
	if proj.Status != models.StatusError && proj.Status != models.StatusCompleted {
		switch tc.MetaString("status") {
		case models.MetaPaused:
			proj.Status = models.StatusPaused
		case models.MetaStopping:
			proj.Status = models.StatusStopping
		case models.MetaStopped:
			proj.Status = models.StatusStopped
		}
	}

	if total > 0 {
		proj.Progress = clamp(100 * float64(completed) / float64(total))
	}
	// initializing is capped at 10 regardless of node arithmetic.
	if proj.Status == models.StatusInitializing && proj.Progress > 10 {
		proj.Progress = 10
	}

	proj.CurrentTask = tc.MetaString("task_id")
	if proj.Status == models.StatusIdle {
		proj.CurrentTask = ""
	}
	// A running pipeline always names its current task; fall back to the
	// running node when the submission carried no task id.
	if proj.Status == models.StatusRunning && proj.CurrentTask == "" {
		proj.CurrentTask = firstRunningNode(tc.Nodes)
	}

	proj.Branch = tc.MetaString("branch")
	proj.StartedAt = tc.MetaString("started_at")
	proj.Artifacts = models.Artifacts{
		RepoPath:      tc.MetaString("repo_path"),
		Branch:        tc.MetaString("branch"),
		Logs:          orEmpty(tc.MetaStrings("logs")),
		FilesModified: orEmpty(tc.MetaStrings("files_modified")),
	}

	return proj
}

func firstRunningNode(nodes map[string]models.NodeState) string {
	names := make([]string, 0, len(nodes))
	for name, node := range nodes {
		if node.Status == models.NodeRunning {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		// completed>0 with nothing running: the pipeline is between nodes.
		for name := range nodes {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "pending"
	}
	sort.Strings(names)
	return names[0]
}

func errorProjection(executionID, projectID string, updatedAt time.Time) models.StatusProjection {
	return models.StatusProjection{
		ExecutionID: executionID,
		ProjectID:   projectID,
		CustomerID:  models.CustomerID(projectID),
		Status:      models.StatusError,
		Progress:    0,
		UpdatedAt:   updatedAt.UTC().Format(time.RFC3339),
		Artifacts:   models.Artifacts{Logs: []string{}, FilesModified: []string{}},
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
