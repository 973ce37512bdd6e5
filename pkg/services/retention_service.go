package services

import (
	"context"
	"fmt"
	"time"

	"github.com/clarity-dev/clarity/pkg/database"
	"github.com/clarity-dev/clarity/pkg/models"
)

// RetentionService purges aged rows from the supporting tables. Events
// themselves are never deleted by the core; only catchup envelopes and
// finished queue rows age out.
type RetentionService struct {
	client *database.Client
}

// NewRetentionService creates a new RetentionService.
func NewRetentionService(client *database.Client) *RetentionService {
	if client == nil {
		panic("NewRetentionService: client must not be nil")
	}
	return &RetentionService{client: client}
}

// PurgeWSEvents deletes persisted WebSocket envelopes older than ttl.
// Returns the number of rows removed.
func (s *RetentionService) PurgeWSEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx,
		"DELETE FROM ws_events WHERE created_at < $1", time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to purge ws_events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged ws_events: %w", err)
	}
	return removed, nil
}

// PurgeFinishedDispatchTasks deletes completed and failed queue rows
// older than ttl. Pending and in_progress rows are never touched.
func (s *RetentionService) PurgeFinishedDispatchTasks(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx,
		"DELETE FROM dispatch_tasks WHERE status IN ($1, $2) AND created_at < $3",
		models.DispatchCompleted, models.DispatchFailed, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to purge dispatch tasks: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged dispatch tasks: %w", err)
	}
	return removed, nil
}
