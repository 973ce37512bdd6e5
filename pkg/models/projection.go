package models

// ExecutionStatus is the public execution state derived from task_context.
type ExecutionStatus string

// ExecutionStatus values.
const (
	StatusIdle         ExecutionStatus = "idle"
	StatusInitializing ExecutionStatus = "initializing"
	StatusRunning      ExecutionStatus = "running"
	StatusPaused       ExecutionStatus = "paused"
	StatusStopping     ExecutionStatus = "stopping"
	StatusStopped      ExecutionStatus = "stopped"
	StatusCompleted    ExecutionStatus = "completed"
	StatusError        ExecutionStatus = "error"
)

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusInitializing, StatusRunning, StatusPaused,
		StatusStopping, StatusStopped, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Totals counts workflow node completion.
type Totals struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Artifacts collects operator-visible workflow outputs.
type Artifacts struct {
	RepoPath      string   `json:"repo_path,omitempty"`
	Branch        string   `json:"branch,omitempty"`
	Logs          []string `json:"logs"`
	FilesModified []string `json:"files_modified"`
}

// StatusProjection is the read model served by the status endpoint.
type StatusProjection struct {
	ExecutionID string          `json:"execution_id"`
	ProjectID   string          `json:"project_id"`
	CustomerID  string          `json:"customer_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Progress    float64         `json:"progress"`
	CurrentTask string          `json:"current_task,omitempty"`
	Totals      Totals          `json:"totals"`
	Branch      string          `json:"branch,omitempty"`
	Artifacts   Artifacts       `json:"artifacts"`
	StartedAt   string          `json:"started_at,omitempty"`
	UpdatedAt   string          `json:"updated_at"`
}
