package container

import (
	"bytes"
	"context"
	"fmt"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecResult carries the outcome of one in-container command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecOptions tunes one in-container command.
type ExecOptions struct {
	WorkingDir string
	Env        []string
}

// Exec runs a command inside a managed container and waits for it to
// finish. The caller bounds the run through ctx; output is demuxed into
// stdout and stderr. A non-zero exit code is not an error here, the
// caller decides what failure means.
func (m *Manager) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions) (*ExecResult, error) {
	api, err := m.docker.get()
	if err != nil {
		return nil, err
	}

	created, err := api.ContainerExecCreate(ctx, containerID, containertypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   opts.WorkingDir,
		Env:          opts.Env,
	})
	if err != nil {
		return nil, &Error{Op: "exec create", ContainerID: containerID, Err: err}
	}

	attach, err := api.ContainerExecAttach(ctx, created.ID, containertypes.ExecAttachOptions{})
	if err != nil {
		return nil, &Error{Op: "exec attach", ContainerID: containerID, Err: err}
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		// Close the attach so the copy goroutine unblocks, and wait for
		// it before reading the buffers it was writing into. The command
		// keeps running inside the container and is dealt with by
		// cleanup.
		attach.Close()
		<-copyDone
		return &ExecResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case copyErr := <-copyDone:
		if copyErr != nil {
			return nil, &Error{Op: "exec read", ContainerID: containerID, Err: copyErr}
		}
	}

	inspect, err := api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, &Error{Op: "exec inspect", ContainerID: containerID, Err: err}
	}
	if inspect.Running {
		return nil, &Error{Op: "exec inspect", ContainerID: containerID,
			Err: fmt.Errorf("command still running after output closed")}
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
