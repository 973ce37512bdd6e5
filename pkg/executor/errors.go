package executor

import "fmt"

// Attempt error classifications recorded in AttemptRecord.ErrorType.
const (
	errorTypeContainer = "container"
	errorTypeGit       = "git"
	errorTypeToolchain = "toolchain"
	errorTypeExec      = "exec"
	errorTypeCommand   = "command_failed"
	errorTypeTimeout   = "timeout"
	errorTypeCancelled = "cancelled"
)

// ExecutionError is raised when every attempt of a command failed.
// Surfaced to clients as a 500 with error_code EXECUTION_ERROR.
type ExecutionError struct {
	Op        string
	ProjectID string
	Attempts  int
	ExitCode  int
	ErrorType string
	Message   string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s execution failed for project %s: %s", e.Op, e.ProjectID, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Cancelled reports whether the execution ended because the caller's
// context was cancelled rather than because the command failed.
func (e *ExecutionError) Cancelled() bool {
	return e.ErrorType == errorTypeCancelled
}
