package workflow

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/clarity-dev/clarity/pkg/container"
	"github.com/clarity-dev/clarity/pkg/executor"
	"github.com/clarity-dev/clarity/pkg/models"
)

// nodeFunc adapts a function to the Node interface.
type nodeFunc struct {
	name string
	run  func(ctx context.Context, tc *models.TaskContext) error
}

func (n nodeFunc) Name() string { return n.name }
func (n nodeFunc) Run(ctx context.Context, tc *models.TaskContext) error {
	return n.run(ctx, tc)
}

// selectNode records the fixed execution plan so that even a pipeline
// failing later leaves a meaningful partial context.
func selectNode() Node {
	return nodeFunc{name: "select", run: func(_ context.Context, tc *models.TaskContext) error {
		setNodeData(tc, "select", map[string]any{
			"plan": []string{"prep", "provision", "install", "build", "push"},
		})
		return nil
	}}
}

// prepNode asserts the minimum metadata every execution node relies on.
func prepNode() Node {
	return nodeFunc{name: "prep", run: func(_ context.Context, tc *models.TaskContext) error {
		if tc.MetaString("project_id") == "" {
			return fmt.Errorf("metadata is missing project_id")
		}
		if tc.MetaString("workflow_type") == "" {
			return fmt.Errorf("metadata is missing workflow_type")
		}
		return nil
	}}
}

func provisionNode(deps Deps) Node {
	return nodeFunc{name: "provision", run: func(ctx context.Context, tc *models.TaskContext) error {
		info, err := deps.Containers.StartOrReuse(ctx, containerProjectID(tc))
		if err != nil {
			return err
		}
		tc.SetMeta("container_id", info.ID)
		status := "started"
		if info.Reused {
			status = "reused"
		}
		setNodeData(tc, "provision", map[string]any{
			"container_name":   info.Name,
			"container_status": status,
		})
		return nil
	}}
}

func installNode(deps Deps) Node {
	return nodeFunc{name: "install", run: func(ctx context.Context, tc *models.TaskContext) error {
		res, err := deps.Commands.Execute(ctx, commandFor(tc, executor.OpInstall))
		recordExecution(tc, "install", res)
		return err
	}}
}

func buildNode(deps Deps) Node {
	return nodeFunc{name: "build", run: func(ctx context.Context, tc *models.TaskContext) error {
		res, err := deps.Commands.Execute(ctx, commandFor(tc, executor.OpBuild))
		recordExecution(tc, "build", res)
		if err != nil {
			return err
		}
		tc.SetMeta("files_modified", res.FilesModified)
		if branch := dataString(tc, "branch"); branch != "" {
			tc.SetMeta("branch", branch)
		}
		if repoURL := dataString(tc, "repository_url"); repoURL != "" {
			tc.SetMeta("repo_path", workspacePath(repoURL))
		}
		return nil
	}}
}

func pushNode(deps Deps) Node {
	return nodeFunc{name: "push", run: func(ctx context.Context, tc *models.TaskContext) error {
		if dataString(tc, "repository_url") == "" {
			setNodeData(tc, "push", map[string]any{"skipped": "no repository configured"})
			return nil
		}
		return deps.Commands.Push(ctx, containerProjectID(tc), dataString(tc, "branch"))
	}}
}

// commandFor assembles the executor command from the submission payload
// and the metadata seeded by the dispatcher.
func commandFor(tc *models.TaskContext, op string) executor.Command {
	cmd := executor.Command{
		ExecutionID: tc.MetaString("executionId"),
		ProjectID:   containerProjectID(tc),
		RepoURL:     dataString(tc, "repository_url"),
		Branch:      dataString(tc, "branch"),
		Op:          op,
		BuildScript: optionString(tc, "build_script"),
	}
	if secs := optionInt(tc, "timeout_seconds"); secs > 0 {
		cmd.Timeout = time.Duration(secs) * time.Second
	}
	return cmd
}

// recordExecution writes the attempt history into the node state.
// res may be nil when execution failed before the first command.
func recordExecution(tc *models.TaskContext, nodeName string, res *models.ExecutionResult) {
	if res == nil {
		return
	}
	setNodeData(tc, nodeName, map[string]any{
		"attempt_count":  res.AttemptCount,
		"exit_code":      res.ExitCode,
		"retry_attempts": res.RetryAttempts,
		"container_id":   res.ContainerID,
	})
}

func setNodeData(tc *models.TaskContext, name string, data map[string]any) {
	state := tc.Nodes[name]
	state.EventData = data
	tc.SetNode(name, state)
}

// containerProjectID maps an ingress project id (possibly
// customer/project) to the container-safe form.
func containerProjectID(tc *models.TaskContext) string {
	return container.Sanitize(tc.MetaString("project_id"))
}

func dataString(tc *models.TaskContext, key string) string {
	return nestedString(tc.Event, "data", key)
}

func optionString(tc *models.TaskContext, key string) string {
	return nestedString(tc.Event, "options", key)
}

func optionInt(tc *models.TaskContext, key string) int {
	if tc == nil || tc.Event == nil {
		return 0
	}
	options, _ := tc.Event["options"].(map[string]any)
	switch v := options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func nestedString(m map[string]any, outer, key string) string {
	if m == nil {
		return ""
	}
	inner, _ := m[outer].(map[string]any)
	s, _ := inner[key].(string)
	return s
}

func workspacePath(repoURL string) string {
	name := path.Base(strings.TrimSuffix(repoURL, "/"))
	name = strings.TrimSuffix(name, ".git")
	return path.Join("/workspace", container.Sanitize(name))
}
