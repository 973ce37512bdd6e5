// Package executor runs install and build commands inside a project's
// container with a hard two-attempt retry ceiling, between-attempt
// cleanup, and structured attempt records.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clarity-dev/clarity/pkg/config"
	"github.com/clarity-dev/clarity/pkg/container"
	"github.com/clarity-dev/clarity/pkg/models"
)

// Op selects the command kind.
const (
	OpInstall = "install"
	OpBuild   = "build"
)

const (
	defaultBuildScript = "build"
	stderrTailBytes    = 2048
)

// ContainerRuntime is the slice of the container manager the executor
// needs. Satisfied by *container.Manager.
type ContainerRuntime interface {
	StartOrReuse(ctx context.Context, projectID string) (*container.Info, error)
	Exec(ctx context.Context, containerID string, cmd []string, opts container.ExecOptions) (*container.ExecResult, error)
	CleanupProject(ctx context.Context, projectID string) error
}

// Command describes one execution request.
type Command struct {
	ExecutionID string
	ProjectID   string
	RepoURL     string
	Branch      string
	Op          string // OpInstall or OpBuild
	BuildScript string // build only; defaults to "build"
	Timeout     time.Duration
}

// Executor owns the bounded-retry command loop. One concurrent command
// per project, enforced by a per-project mutex held for the whole call.
type Executor struct {
	containers ContainerRuntime
	cfg        config.ExecutorConfig
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewExecutor creates a command executor.
func NewExecutor(containers ContainerRuntime, cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	if containers == nil {
		panic("containers cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		containers: containers,
		cfg:        cfg,
		logger:     logger.With("component", "executor"),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Execute runs cmd with at most cfg.MaxAttempts attempts. On success the
// result carries the command output and captured artifacts. On
// exhaustion it returns the accumulated result alongside an
// *ExecutionError; the result's RetryAttempts lists every failed
// attempt. On cancellation the current attempt is recorded as
// error_type=cancelled and no further attempts run.
func (e *Executor) Execute(ctx context.Context, cmd Command) (*models.ExecutionResult, error) {
	if err := ValidateRetryLimit(e.cfg.MaxAttempts, cmd.Op); err != nil {
		return nil, err
	}
	if cmd.Op != OpInstall && cmd.Op != OpBuild {
		return nil, fmt.Errorf("unknown executor op %q", cmd.Op)
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	lock := e.projectLock(cmd.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	result := &models.ExecutionResult{
		ExecutionID:   cmd.ExecutionID,
		ProjectID:     cmd.ProjectID,
		RetryAttempts: []models.AttemptRecord{},
		FilesModified: []string{},
	}

	var lastExit int
	var lastStderr string
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		record, execRes, err := e.runAttempt(ctx, cmd, attempt, timeout)
		result.AttemptCount = attempt
		result.FinalAttempt = attempt == e.cfg.MaxAttempts

		if err == nil && execRes != nil && execRes.ExitCode == 0 {
			result.Success = true
			result.StdoutOutput = execRes.Stdout
			result.StderrOutput = execRes.Stderr
			result.ExitCode = 0
			result.ContainerID = record.ContainerID
			result.TotalDurationMS = time.Since(start).Milliseconds()
			result.FilesModified = ParseArtifacts(execRes.Stdout)
			e.logger.Info("Command succeeded",
				"execution_id", cmd.ExecutionID, "project_id", cmd.ProjectID,
				"op", cmd.Op, "attempt", attempt)
			return result, nil
		}

		result.RetryAttempts = append(result.RetryAttempts, record)
		result.ContainerID = record.ContainerID
		if execRes != nil {
			lastExit = execRes.ExitCode
			lastStderr = execRes.Stderr
			result.StdoutOutput = execRes.Stdout
			result.StderrOutput = execRes.Stderr
			result.ExitCode = execRes.ExitCode
		}

		if ctx.Err() != nil {
			e.cleanupBetweenAttempts(cmd.ProjectID)
			result.TotalDurationMS = time.Since(start).Milliseconds()
			return result, &ExecutionError{
				Op:        cmd.Op,
				ProjectID: cmd.ProjectID,
				Attempts:  attempt,
				ErrorType: errorTypeCancelled,
				Message:   "execution cancelled",
				Err:       ctx.Err(),
			}
		}

		e.logger.Warn("Command attempt failed",
			"execution_id", cmd.ExecutionID, "project_id", cmd.ProjectID,
			"op", cmd.Op, "attempt", attempt, "error_type", record.ErrorType,
			"exit_code", record.ExitCode)

		if attempt < e.cfg.MaxAttempts {
			e.cleanupBetweenAttempts(cmd.ProjectID)
		}
	}

	result.TotalDurationMS = time.Since(start).Milliseconds()
	return result, &ExecutionError{
		Op:        cmd.Op,
		ProjectID: cmd.ProjectID,
		Attempts:  e.cfg.MaxAttempts,
		ExitCode:  lastExit,
		Message: fmt.Sprintf("command failed after %d attempts with exit code %d: %s",
			e.cfg.MaxAttempts, lastExit, stderrTail(lastStderr)),
	}
}

// runAttempt performs one attempt: container, repo, toolchain, command.
// The returned ExecResult is nil when the attempt failed before the
// command ran.
func (e *Executor) runAttempt(ctx context.Context, cmd Command, attempt int, timeout time.Duration) (models.AttemptRecord, *container.ExecResult, error) {
	record := models.AttemptRecord{
		Attempt:   attempt,
		StartTime: time.Now().UTC(),
	}
	fail := func(errorType string, err error) (models.AttemptRecord, *container.ExecResult, error) {
		record.DurationMS = time.Since(record.StartTime).Milliseconds()
		record.ErrorType = errorType
		record.ErrorMessage = err.Error()
		record.ExitCode = -1
		return record, nil, err
	}

	info, err := e.containers.StartOrReuse(ctx, cmd.ProjectID)
	if err != nil {
		return fail(errorTypeContainer, err)
	}
	record.ContainerID = info.ID

	repoDir, err := e.ensureRepo(ctx, info.ID, cmd)
	if err != nil {
		return fail(errorTypeGit, err)
	}

	if err := e.verifyToolchain(ctx, info.ID, repoDir, cmd); err != nil {
		return fail(errorTypeToolchain, err)
	}

	argv := commandArgv(cmd)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	execRes, err := e.containers.Exec(runCtx, info.ID, argv, container.ExecOptions{WorkingDir: repoDir})
	record.DurationMS = time.Since(record.StartTime).Milliseconds()
	if err != nil {
		record.ErrorType = errorTypeExec
		if runCtx.Err() != nil && ctx.Err() == nil {
			record.ErrorType = errorTypeTimeout
		}
		if ctx.Err() != nil {
			record.ErrorType = errorTypeCancelled
		}
		record.ErrorMessage = err.Error()
		record.ExitCode = -1
		if execRes != nil {
			record.StdoutLength = len(execRes.Stdout)
			record.StderrLength = len(execRes.Stderr)
		}
		return record, execRes, err
	}

	record.ExitCode = execRes.ExitCode
	record.StdoutLength = len(execRes.Stdout)
	record.StderrLength = len(execRes.Stderr)
	record.Success = execRes.ExitCode == 0
	if !record.Success {
		record.ErrorType = errorTypeCommand
		record.ErrorMessage = fmt.Sprintf("%s exited with code %d", strings.Join(argv, " "), execRes.ExitCode)
	}
	if cmd.Op == OpBuild {
		record.Extra = map[string]any{"build_script": buildScript(cmd)}
	}
	return record, execRes, nil
}

// cleanupBetweenAttempts resets the project container so the next
// attempt starts clean. Failures never abort the retry loop.
func (e *Executor) cleanupBetweenAttempts(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.containers.CleanupProject(ctx, projectID); err != nil {
		e.logger.Warn("Between-attempt cleanup failed",
			"project_id", projectID, "error", err)
	}
}

func (e *Executor) projectLock(projectID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[projectID] = lock
	}
	return lock
}

func commandArgv(cmd Command) []string {
	if cmd.Op == OpInstall {
		return []string{"npm", "ci"}
	}
	return []string{"npm", "run", buildScript(cmd)}
}

func buildScript(cmd Command) string {
	if cmd.BuildScript != "" {
		return cmd.BuildScript
	}
	return defaultBuildScript
}

func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > stderrTailBytes {
		stderr = stderr[len(stderr)-stderrTailBytes:]
	}
	return stderr
}
