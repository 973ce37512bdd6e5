package workflow

import (
	"context"

	"github.com/clarity-dev/clarity/pkg/models"
)

// NewAutomation builds the DEVTEAM_AUTOMATION pipeline: plan selection
// and metadata checks first, then container provisioning, dependency
// install, build, and push.
func NewAutomation(deps Deps) *Workflow {
	return &Workflow{
		Type: TypeAutomation,
		Nodes: []Node{
			selectNode(),
			prepNode(),
			provisionNode(deps),
			installNode(deps),
			buildNode(deps),
			pushNode(deps),
		},
		Progress: deps.Progress,
		Logger:   deps.Logger,
	}
}

// NewPlaceholder builds the fallback workflow for unknown types: a
// single node that completes without side effects, leaving a
// well-formed context behind.
func NewPlaceholder(deps Deps) *Workflow {
	return &Workflow{
		Type: TypePlaceholder,
		Nodes: []Node{
			nodeFunc{name: "placeholder", run: func(_ context.Context, tc *models.TaskContext) error {
				setNodeData(tc, "placeholder", map[string]any{
					"note": "no workflow registered for this event type",
				})
				return nil
			}},
		},
		Progress: deps.Progress,
		Logger:   deps.Logger,
	}
}
