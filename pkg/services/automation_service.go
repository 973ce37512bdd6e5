package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clarity-dev/clarity/pkg/models"
	"github.com/clarity-dev/clarity/pkg/projection"
)

const (
	// IdempotencyWindow is how long an options.idempotency_key suppresses
	// a duplicate initialize.
	IdempotencyWindow = 6 * time.Hour

	// StatusScanLimit is how many recent events the lifecycle endpoints
	// scan when resolving a project's newest event.
	StatusScanLimit = 100
)

// AutomationService implements event ingestion and the lifecycle control
// surface (initialize, status, pause, resume, stop).
type AutomationService struct {
	events   *EventService
	dispatch *DispatchService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAutomationService creates a new AutomationService.
func NewAutomationService(events *EventService, dispatch *DispatchService, logger *slog.Logger) *AutomationService {
	if events == nil {
		panic("NewAutomationService: events must not be nil")
	}
	if dispatch == nil {
		panic("NewAutomationService: dispatch must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	validate := validator.New()
	// Report json field names, not Go struct field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &AutomationService{
		events:   events,
		dispatch: dispatch,
		validate: validate,
		logger:   logger.With("service", "automation"),
	}
}

// SubmitResult is the 202 body of POST /events. TaskID is nil when the
// event was persisted but enqueueing failed (degraded acceptance).
type SubmitResult struct {
	EventID       string `json:"event_id"`
	TaskID        *int64 `json:"task_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	EventType     string `json:"event_type"`
}

// ValidateSubmission checks a payload against the ingress schema and
// returns a field-wise ValidationErrors on any violation.
func (s *AutomationService) ValidateSubmission(sub *models.Submission) error {
	if sub == nil {
		return ValidationErrors{{Field: "body", Message: "request body is required"}}
	}

	var fields ValidationErrors
	if err := s.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate submission: %w", err)
		}
		for _, fe := range verrs {
			fields = append(fields, &ValidationError{
				Field:   fe.Field(),
				Message: validationMessage(fe),
			})
		}
	}
	if sub.ProjectID != "" {
		if err := ValidateProjectID(sub.ProjectID); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				fields = append(fields, ve)
			}
		}
	}
	if len(fields) > 0 {
		return fields
	}
	return nil
}

// ValidateProjectID enforces the path-safe project id format shared by
// ingestion and the lifecycle endpoints.
func ValidateProjectID(projectID string) error {
	switch {
	case projectID == "":
		return NewValidationError("project_id", "project_id is required")
	case len(projectID) > 255:
		return NewValidationError("project_id", "project_id exceeds 255 characters")
	case strings.Contains(projectID, ".."):
		return NewValidationError("project_id", "project_id must not contain path traversal")
	case !models.ProjectIDPattern.MatchString(projectID):
		return NewValidationError("project_id", "project_id must match ^[A-Za-z0-9_/-]+$")
	}
	return nil
}

// SubmitEvent validates, persists, and enqueues a submission. The Event
// is the durable record: if enqueueing fails the response still reports
// acceptance, with a nil task id.
func (s *AutomationService) SubmitEvent(ctx context.Context, sub *models.Submission) (*SubmitResult, error) {
	if err := s.ValidateSubmission(sub); err != nil {
		return nil, err
	}

	workflowType := resolveWorkflowType(sub.Type)
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}

	event, err := s.events.Create(ctx, data, workflowType)
	if err != nil {
		return nil, err
	}

	correlationID := sub.CorrelationID()
	if correlationID == "" {
		correlationID = event.ID
	}

	result := &SubmitResult{
		EventID:       event.ID,
		CorrelationID: correlationID,
		Status:        "accepted",
		EventType:     workflowType,
	}

	task, err := s.dispatch.Enqueue(ctx, EnqueueInput{
		EventID:       event.ID,
		CorrelationID: correlationID,
		ProjectID:     sub.ProjectID,
		EventType:     workflowType,
	})
	if err != nil {
		// The event is persisted; re-dispatch is an external concern.
		s.logger.Warn("Event persisted but enqueue failed",
			"event_id", event.ID, "project_id", sub.ProjectID, "error", err)
		return result, nil
	}

	result.TaskID = &task.ID
	s.logger.Info("Event accepted",
		"event_id", event.ID, "task_id", task.ID,
		"project_id", sub.ProjectID, "workflow_type", workflowType,
		"correlation_id", correlationID)
	return result, nil
}

// InitializeInput is the operator-facing initialize request. The service
// constructs the full submission payload itself.
type InitializeInput struct {
	ProjectID string                     `json:"project_id"`
	Task      *models.TaskSpec           `json:"task,omitempty"`
	Priority  string                     `json:"priority,omitempty"`
	Options   *models.SubmissionOptions  `json:"options,omitempty"`
	Metadata  *models.SubmissionMetadata `json:"metadata,omitempty"`
}

// InitializeResult is the 202 body of lifecycle initialize.
type InitializeResult struct {
	ExecutionID string `json:"execution_id"`
	EventID     string `json:"event_id"`
	TaskID      *int64 `json:"task_id,omitempty"`
}

// Initialize starts automation for a project. A placeholder Event is
// persisted first so the submission can embed its own stable event id;
// the data is then overwritten with the full payload and a dispatch task
// enqueued. Idempotency keys seen within IdempotencyWindow replay the
// prior execution as a conflict.
func (s *AutomationService) Initialize(ctx context.Context, in InitializeInput) (*InitializeResult, error) {
	if err := ValidateProjectID(in.ProjectID); err != nil {
		return nil, err
	}

	if key := idempotencyKey(in.Options); key != "" {
		prior, err := s.events.FindByIdempotencyKey(ctx, key, IdempotencyWindow)
		if err == nil {
			return nil, NewConflictError("idempotency key already used", map[string]any{
				"execution_id": executionIDOf(prior),
				"event_id":     prior.ID,
				"replay":       true,
			})
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	event, err := s.events.Create(ctx, json.RawMessage("{}"), models.WorkflowDevTeamAutomation)
	if err != nil {
		return nil, err
	}

	executionID := "exec_" + uuid.New().String()
	sub := &models.Submission{
		ID:        executionID,
		Type:      models.WorkflowDevTeamAutomation,
		ProjectID: in.ProjectID,
		Task:      in.Task,
		Priority:  in.Priority,
		Data: map[string]any{
			"execution_id": executionID,
			"event_id":     event.ID,
		},
		Options:  in.Options,
		Metadata: in.Metadata,
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	if err := s.events.UpdateData(ctx, event.ID, data); err != nil {
		return nil, err
	}

	correlationID := sub.CorrelationID()
	if correlationID == "" {
		correlationID = event.ID
	}

	result := &InitializeResult{ExecutionID: executionID, EventID: event.ID}
	task, err := s.dispatch.Enqueue(ctx, EnqueueInput{
		EventID:       event.ID,
		CorrelationID: correlationID,
		ProjectID:     in.ProjectID,
		EventType:     models.WorkflowDevTeamAutomation,
	})
	if err != nil {
		s.logger.Warn("Initialize persisted but enqueue failed",
			"event_id", event.ID, "project_id", in.ProjectID, "error", err)
		return result, nil
	}

	result.TaskID = &task.ID
	s.logger.Info("Automation initialized",
		"event_id", event.ID, "execution_id", executionID,
		"project_id", in.ProjectID, "task_id", task.ID)
	return result, nil
}

// Status projects the current execution status of a project from its
// most recent Event.
func (s *AutomationService) Status(ctx context.Context, projectID string) (*models.StatusProjection, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	event, err := s.events.FindLatestByProject(ctx, projectID, StatusScanLimit)
	if err != nil {
		return nil, err
	}
	proj := projection.Project(event.TaskContext, executionIDOf(event), projectID, event.UpdatedAt)
	return &proj, nil
}

// Transition validates and records a lifecycle state change (pause,
// resume, stop) against the project's most recent Event. The recorded
// metadata.status is the cooperative signal a running workflow observes
// at safe points. Returns the post-transition projection.
func (s *AutomationService) Transition(ctx context.Context, projectID string, target models.ExecutionStatus) (*models.StatusProjection, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	if !target.Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown target status %q", target))
	}

	event, err := s.events.FindLatestByProject(ctx, projectID, StatusScanLimit)
	if err != nil {
		return nil, err
	}

	current := projection.Project(event.TaskContext, executionIDOf(event), projectID, event.UpdatedAt)
	if !projection.CanTransition(current.Status, target) {
		return nil, NewConflictError(
			fmt.Sprintf("transition from %s to %s is not allowed", current.Status, target),
			map[string]any{
				"current_status":    current.Status,
				"valid_transitions": projection.ValidTransitions(current.Status),
			})
	}

	tc := event.TaskContext
	if tc == nil {
		tc = models.NewTaskContext(nil, map[string]any{"project_id": projectID})
	}
	tc.SetMeta("status", metaStatusFor(target))
	tc.SetMeta("status_changed_at", time.Now().UTC().Format(time.RFC3339))
	if err := s.events.UpdateTaskContext(ctx, event.ID, tc); err != nil {
		return nil, err
	}

	s.logger.Info("Lifecycle transition recorded",
		"project_id", projectID, "event_id", event.ID,
		"from", current.Status, "to", target)

	proj := projection.Project(tc, executionIDOf(event), projectID, time.Now())
	return &proj, nil
}

// resolveWorkflowType maps a submission type to a registered workflow,
// falling back to PLACEHOLDER for unknown values.
func resolveWorkflowType(submissionType string) string {
	if submissionType == models.WorkflowDevTeamAutomation {
		return models.WorkflowDevTeamAutomation
	}
	return models.WorkflowPlaceholder
}

// executionIDOf recovers the execution id embedded by initialize, or
// derives the dispatcher's exec_<event_id> form.
func executionIDOf(event *models.Event) string {
	var payload struct {
		Data struct {
			ExecutionID string `json:"execution_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(event.Data, &payload); err == nil && payload.Data.ExecutionID != "" {
		return payload.Data.ExecutionID
	}
	return "exec_" + event.ID
}

func idempotencyKey(opts *models.SubmissionOptions) string {
	if opts == nil {
		return ""
	}
	return opts.IdempotencyKey
}

func metaStatusFor(target models.ExecutionStatus) string {
	switch target {
	case models.StatusPaused:
		return models.MetaPaused
	case models.StatusStopping:
		return models.MetaStopping
	case models.StatusStopped:
		return models.MetaStopped
	case models.StatusRunning:
		return models.MetaRunning
	case models.StatusError:
		return models.MetaError
	default:
		return string(target)
	}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
