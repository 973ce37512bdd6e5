package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CatchupEvent holds one persisted envelope returned by the catchup query.
type CatchupEvent struct {
	ID      int
	Payload map[string]any
}

// CatchupQuerier queries persisted envelopes for late subscribers.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error)
}

// CatchupStore implements CatchupQuerier over the ws_events table.
type CatchupStore struct {
	db *sql.DB
}

// NewCatchupStore creates a CatchupStore.
func NewCatchupStore(db *sql.DB) *CatchupStore {
	return &CatchupStore{db: db}
}

// GetCatchupEvents returns envelopes on a channel with id > sinceID, in
// id order, up to limit.
func (s *CatchupStore) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM ws_events WHERE channel = $1 AND id > $2 ORDER BY id LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("catchup query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CatchupEvent
	for rows.Next() {
		var (
			evt CatchupEvent
			raw []byte
		)
		if err := rows.Scan(&evt.ID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan catchup row: %w", err)
		}
		if err := json.Unmarshal(raw, &evt.Payload); err != nil {
			return nil, fmt.Errorf("malformed persisted envelope %d: %w", evt.ID, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
