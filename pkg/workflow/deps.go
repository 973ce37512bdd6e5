package workflow

import (
	"context"
	"log/slog"

	"github.com/clarity-dev/clarity/pkg/container"
	"github.com/clarity-dev/clarity/pkg/executor"
	"github.com/clarity-dev/clarity/pkg/models"
)

// ContainerStarter is the slice of the container manager workflows
// need. Satisfied by *container.Manager.
type ContainerStarter interface {
	StartOrReuse(ctx context.Context, projectID string) (*container.Info, error)
}

// CommandRunner is the slice of the executor workflows need.
// Satisfied by *executor.Executor.
type CommandRunner interface {
	Execute(ctx context.Context, cmd executor.Command) (*models.ExecutionResult, error)
	Push(ctx context.Context, projectID, branch string) error
}

// Deps carries the shared dependencies workflow factories wire into
// their nodes.
type Deps struct {
	Containers ContainerStarter
	Commands   CommandRunner
	Progress   ProgressFunc
	Logger     *slog.Logger
}
