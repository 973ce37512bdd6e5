package workflow

import (
	"context"

	"github.com/clarity-dev/clarity/pkg/models"
)

// Runner resolves and executes workflows for the dispatcher. It holds
// the shared dependencies so workers stay decoupled from container and
// executor wiring.
type Runner struct {
	deps Deps
}

// NewRunner creates a workflow runner.
func NewRunner(deps Deps) *Runner {
	return &Runner{deps: deps}
}

// Run resolves the workflow type (falling back to PLACEHOLDER), seeds
// the task context, and executes the pipeline.
func (r *Runner) Run(ctx context.Context, workflowType string, payload, meta map[string]any) *models.TaskContext {
	factory := Resolve(workflowType)
	w := factory(r.deps)
	return w.Run(ctx, Seed(payload, meta))
}
