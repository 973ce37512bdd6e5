// Package workflow defines the node pipeline contract, the runtime that
// drives it, and the built-in workflow types.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/clarity-dev/clarity/pkg/models"
)

// Node is one step of a workflow pipeline. Run mutates the shared task
// context; a returned error stops the pipeline.
type Node interface {
	Name() string
	Run(ctx context.Context, tc *models.TaskContext) error
}

// ProgressFunc observes node completion. Called after each node's state
// is written, with the node name and its recorded status.
type ProgressFunc func(nodeName, status string, tc *models.TaskContext)

// Workflow is an ordered node pipeline for one workflow type.
type Workflow struct {
	Type     string
	Nodes    []Node
	Progress ProgressFunc
	Logger   *slog.Logger
}

// Seed builds the initial task context for a run.
func Seed(payload map[string]any, meta map[string]any) *models.TaskContext {
	if meta == nil {
		meta = map[string]any{}
	}
	if _, ok := meta["status"]; !ok {
		meta["status"] = models.MetaPrepared
	}
	return models.NewTaskContext(payload, meta)
}

// Run executes the pipeline over a seeded context and returns the final
// context. Nodes run in order; the first error marks its node and the
// metadata status as error and stops the pipeline. Re-running with the
// same input yields an equivalent context.
func (w *Workflow) Run(ctx context.Context, tc *models.TaskContext) *models.TaskContext {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("workflow_type", w.Type)

	tc.MarkStarted(time.Now())
	for _, node := range w.Nodes {
		tc.SetNode(node.Name(), models.NodeState{Status: models.NodeRunning})
		tc.SetMeta("status", models.MetaRunning)

		if err := ctx.Err(); err != nil {
			w.failNode(tc, node.Name(), err, logger)
			return tc
		}
		if err := node.Run(ctx, tc); err != nil {
			w.failNode(tc, node.Name(), err, logger)
			return tc
		}

		state := tc.Nodes[node.Name()]
		state.Status = models.NodeCompleted
		tc.SetNode(node.Name(), state)
		logger.Info("Workflow node completed", "node", node.Name())
		if w.Progress != nil {
			w.Progress(node.Name(), models.NodeCompleted, tc)
		}
	}

	tc.SetMeta("status", models.MetaCompleted)
	return tc
}

func (w *Workflow) failNode(tc *models.TaskContext, name string, err error, logger *slog.Logger) {
	state := tc.Nodes[name]
	state.Status = models.NodeError
	state.Message = err.Error()
	tc.SetNode(name, state)
	tc.SetMeta("status", models.MetaError)
	logger.Warn("Workflow node failed", "node", name, "error", err)
	if w.Progress != nil {
		w.Progress(name, models.NodeError, tc)
	}
}
