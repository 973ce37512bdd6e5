package container

import (
	"context"
	"fmt"
)

// healthProbes are the commands a container must answer before it is
// handed to the executor. Inspect-running is checked separately first.
var healthProbes = [][]string{
	{"git", "--version"},
	{"node", "--version"},
	{"ls", workspaceDir},
}

// healthCheck verifies a container is running and its toolchain and
// workspace respond, within cfg.HealthTimeout total.
func (m *Manager) healthCheck(ctx context.Context, containerID string) error {
	api, err := m.docker.get()
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()

	inspect, err := api.ContainerInspect(probeCtx, containerID)
	if err != nil {
		return &Error{Op: "health inspect", ContainerID: containerID, Err: err}
	}
	if inspect.State == nil || !inspect.State.Running {
		return &Error{Op: "health", ContainerID: containerID,
			Err: fmt.Errorf("container is not running")}
	}

	for _, probe := range healthProbes {
		res, err := m.Exec(probeCtx, containerID, probe, ExecOptions{})
		if err != nil {
			return &Error{Op: "health probe", ContainerID: containerID, Err: err}
		}
		if res.ExitCode != 0 {
			return &Error{Op: "health probe", ContainerID: containerID,
				Err: fmt.Errorf("%v exited %d: %s", probe, res.ExitCode, res.Stderr)}
		}
	}
	return nil
}
