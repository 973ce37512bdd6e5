package models

import "time"

// AttemptRecord captures one command invocation inside a project
// container, successful or not.
type AttemptRecord struct {
	Attempt      int            `json:"attempt"`
	StartTime    time.Time      `json:"start_time"`
	DurationMS   int64          `json:"duration_ms"`
	Success      bool           `json:"success"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ExitCode     int            `json:"exit_code"`
	ContainerID  string         `json:"container_id"`
	StdoutLength int            `json:"stdout_length"`
	StderrLength int            `json:"stderr_length"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// ExecutionResult is the outcome of a bounded-retry command execution.
// RetryAttempts records every FAILED attempt; AttemptCount is the index
// of the attempt that produced this outcome.
type ExecutionResult struct {
	Success         bool            `json:"success"`
	ExecutionID     string          `json:"execution_id"`
	ProjectID       string          `json:"project_id"`
	StdoutOutput    string          `json:"stdout_output"`
	StderrOutput    string          `json:"stderr_output"`
	ExitCode        int             `json:"exit_code"`
	TotalDurationMS int64           `json:"total_duration_ms"`
	ContainerID     string          `json:"container_id"`
	AttemptCount    int             `json:"attempt_count"`
	RetryAttempts   []AttemptRecord `json:"retry_attempts"`
	FinalAttempt    bool            `json:"final_attempt"`
	FilesModified   []string        `json:"files_modified"`
}
