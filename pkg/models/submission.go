package models

import "regexp"

// ProjectIDPattern is the ingress-level project_id format: path-safe
// segments, optionally of the form customer/project.
var ProjectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_/-]+$`)

// Submission is the external payload accepted by POST /events.
// Validation tags are enforced by the automation service at ingress;
// project_id additionally passes ProjectIDPattern and a traversal check.
type Submission struct {
	ID        string              `json:"id" validate:"required"`
	Type      string              `json:"type" validate:"required"`
	ProjectID string              `json:"project_id" validate:"required,max=255"`
	Task      *TaskSpec           `json:"task,omitempty"`
	Priority  string              `json:"priority,omitempty"`
	Data      map[string]any      `json:"data,omitempty"`
	Options   *SubmissionOptions  `json:"options,omitempty"`
	Metadata  *SubmissionMetadata `json:"metadata,omitempty"`
}

// TaskSpec describes the unit of work a DEVTEAM_AUTOMATION submission targets.
type TaskSpec struct {
	ID           string   `json:"id,omitempty"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Type         string   `json:"type,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Files        []string `json:"files,omitempty"`
}

// SubmissionOptions carries execution tuning from the operator.
// StopPoint is surfaced at ingress but consumed by no downstream
// component yet; it travels as metadata only.
type SubmissionOptions struct {
	StopPoint      string `json:"stop_point,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"omitempty,min=1"`
	RetryCount     int    `json:"retry_count,omitempty" validate:"omitempty,min=0,max=2"`
}

// SubmissionMetadata carries client-side correlation fields.
type SubmissionMetadata struct {
	CorrelationID   string `json:"correlation_id,omitempty"`
	Source          string `json:"source,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	ClientTimestamp string `json:"client_timestamp,omitempty"`
}

// CorrelationID returns the client-provided correlation id, or "".
func (s *Submission) CorrelationID() string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata.CorrelationID
}

// IdempotencyKey returns the client-provided idempotency key, or "".
func (s *Submission) IdempotencyKey() string {
	if s.Options == nil {
		return ""
	}
	return s.Options.IdempotencyKey
}

// TimeoutSeconds returns the per-attempt command timeout, or 0 when unset.
func (s *Submission) TimeoutSeconds() int {
	if s.Options == nil {
		return 0
	}
	return s.Options.TimeoutSeconds
}

// CustomerID returns the customer segment of a customer/project id, or "".
func CustomerID(projectID string) string {
	for i := 0; i < len(projectID); i++ {
		if projectID[i] == '/' {
			return projectID[:i]
		}
	}
	return ""
}
