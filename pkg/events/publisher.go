package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Publisher persists envelopes for catchup and broadcasts them via
// NOTIFY in a single transaction (pg_notify is transactional, held
// until COMMIT), so a delivered envelope is always replayable.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a new Publisher.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// --- Typed public methods ---

// PublishExecutionUpdate broadcasts an execution-update envelope:
// status projection changes, node starts and completions.
func (p *Publisher) PublishExecutionUpdate(ctx context.Context, projectID string, payload map[string]any) error {
	return p.Publish(ctx, NewEnvelope(TypeExecutionUpdate, projectID, payload))
}

// PublishExecutionLog broadcasts an execution-log envelope carrying a
// redacted output fragment.
func (p *Publisher) PublishExecutionLog(ctx context.Context, projectID string, payload map[string]any) error {
	return p.Publish(ctx, NewEnvelope(TypeExecutionLog, projectID, payload))
}

// PublishError broadcasts an error envelope.
func (p *Publisher) PublishError(ctx context.Context, projectID string, payload map[string]any) error {
	return p.Publish(ctx, NewEnvelope(TypeError, projectID, payload))
}

// PublishCompletion broadcasts a completion envelope when a workflow
// reaches a terminal state.
func (p *Publisher) PublishCompletion(ctx context.Context, projectID string, payload map[string]any) error {
	return p.Publish(ctx, NewEnvelope(TypeCompletion, projectID, payload))
}

// Publish validates an envelope, persists it, and notifies the
// project's channel atomically.
func (p *Publisher) Publish(ctx context.Context, envelope Envelope) error {
	data, err := envelope.Marshal()
	if err != nil {
		return err
	}
	channel := ProjectChannel(envelope.ProjectID)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1. Persist for catchup (within transaction)
	var rowID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO ws_events (project_id, channel, payload, created_at) VALUES ($1, $2, $3, now()) RETURNING id`,
		envelope.ProjectID, channel, data,
	).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("failed to persist envelope: %w", err)
	}

	// Build the NOTIFY frame with the row id inside payload for catchup
	// position tracking. The envelope keeps exactly four top-level fields.
	notifyPayload, err := injectRowIDAndTruncate(envelope, rowID)
	if err != nil {
		return err
	}

	// 2. pg_notify within the same transaction, fires on COMMIT
	if _, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	// 3. Commit: INSERT is persisted and NOTIFY fires atomically
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit envelope transaction: %w", err)
	}
	return nil
}

// --- Internal helpers ---

// injectRowIDAndTruncate adds db_event_id to the envelope payload for
// NOTIFY delivery and truncates if the frame exceeds PostgreSQL's limit.
func injectRowIDAndTruncate(envelope Envelope, rowID int64) (string, error) {
	payload := make(map[string]any, len(envelope.Payload)+1)
	for k, v := range envelope.Payload {
		payload[k] = v
	}
	payload["db_event_id"] = rowID
	envelope.Payload = payload

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal NOTIFY frame: %w", err)
	}
	return truncateIfNeeded(envelope, data)
}

// truncateIfNeeded returns the frame as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise a minimal envelope
// with only routing fields; subscribers fetch the full row via catchup.
func truncateIfNeeded(envelope Envelope, data []byte) (string, error) {
	if len(data) <= 7900 {
		return string(data), nil
	}

	truncated := envelope
	truncated.Payload = map[string]any{
		"truncated":   true,
		"db_event_id": envelope.Payload["db_event_id"],
	}
	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated frame: %w", err)
	}
	return string(truncBytes), nil
}
