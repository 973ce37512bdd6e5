package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clarity-dev/clarity/pkg/database"
	"github.com/clarity-dev/clarity/pkg/models"
)

// EventService owns the events table: the durable record of every
// submission. Data is written once at creation (overwritten only by the
// initialize two-phase flow); task_context is replaced wholesale by the
// dispatcher.
type EventService struct {
	client *database.Client
}

// NewEventService creates a new EventService.
func NewEventService(client *database.Client) *EventService {
	if client == nil {
		panic("NewEventService: client must not be nil")
	}
	return &EventService{client: client}
}

const eventColumns = "id, data, workflow_type, task_context, created_at, updated_at"

// Create persists a new Event with a server-assigned UUID.
func (s *EventService) Create(ctx context.Context, data json.RawMessage, workflowType string) (*models.Event, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	id := uuid.New().String()

	row := s.client.DB().QueryRowContext(ctx,
		`INSERT INTO events (id, data, workflow_type, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 RETURNING created_at, updated_at`,
		id, []byte(data), workflowType)

	event := &models.Event{ID: id, Data: data, WorkflowType: workflowType}
	if err := row.Scan(&event.CreatedAt, &event.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	return event, nil
}

// Get loads an Event by UUID.
func (s *EventService) Get(ctx context.Context, id string) (*models.Event, error) {
	row := s.client.DB().QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = $1", id)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", id, err)
	}
	return event, nil
}

// UpdateData overwrites an Event's submission payload. Used only by the
// two-phase initialize flow, which persists a placeholder first to
// obtain a stable event id.
func (s *EventService) UpdateData(ctx context.Context, id string, data json.RawMessage) error {
	res, err := s.client.DB().ExecContext(ctx,
		"UPDATE events SET data = $2, updated_at = now() WHERE id = $1",
		id, []byte(data))
	if err != nil {
		return fmt.Errorf("failed to update event data: %w", err)
	}
	return requireRow(res, id)
}

// UpdateTaskContext replaces an Event's task_context wholesale.
func (s *EventService) UpdateTaskContext(ctx context.Context, id string, tc *models.TaskContext) error {
	payload, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("failed to marshal task context: %w", err)
	}
	res, err := s.client.DB().ExecContext(ctx,
		"UPDATE events SET task_context = $2, updated_at = now() WHERE id = $1",
		id, payload)
	if err != nil {
		return fmt.Errorf("failed to update task context: %w", err)
	}
	return requireRow(res, id)
}

// FindLatestByProject scans the most recent scanLimit events for the
// newest one belonging to projectID, matching either the dispatcher's
// task_context.metadata.project_id or the raw submission payload.
func (s *EventService) FindLatestByProject(ctx context.Context, projectID string, scanLimit int) (*models.Event, error) {
	if scanLimit < 100 {
		scanLimit = 100
	}
	rows, err := s.client.DB().QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events ORDER BY created_at DESC LIMIT $1",
		scanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if eventProjectID(event) == projectID {
			return event, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recent events: %w", err)
	}
	return nil, fmt.Errorf("no event for project %s: %w", projectID, ErrNotFound)
}

// FindByIdempotencyKey returns the newest Event carrying the key within
// the window, or ErrNotFound.
func (s *EventService) FindByIdempotencyKey(ctx context.Context, key string, window time.Duration) (*models.Event, error) {
	row := s.client.DB().QueryRowContext(ctx,
		"SELECT "+eventColumns+` FROM events
		 WHERE data #>> '{options,idempotency_key}' = $1 AND created_at > $2
		 ORDER BY created_at DESC LIMIT 1`,
		key, time.Now().Add(-window))

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return event, nil
}

// eventProjectID resolves the project an event belongs to.
func eventProjectID(event *models.Event) string {
	if pid := event.TaskContext.MetaString("project_id"); pid != "" {
		return pid
	}
	var payload struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return ""
	}
	return payload.ProjectID
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		event   models.Event
		data    []byte
		context []byte
	)
	if err := row.Scan(&event.ID, &data, &event.WorkflowType, &context,
		&event.CreatedAt, &event.UpdatedAt); err != nil {
		return nil, err
	}
	event.Data = json.RawMessage(data)
	if len(context) > 0 {
		var tc models.TaskContext
		if err := json.Unmarshal(context, &tc); err != nil {
			return nil, fmt.Errorf("malformed task_context on event %s: %w", event.ID, err)
		}
		event.TaskContext = &tc
	}
	return &event, nil
}

func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return nil
}
