package models

import "time"

// Node statuses within task_context.nodes.
const (
	NodeIdle      = "idle"
	NodeRunning   = "running"
	NodeCompleted = "completed"
	NodeError     = "error"
)

// Metadata statuses within task_context.metadata.status. The first four
// are written by the workflow runtime; the rest are lifecycle control
// signals that running workflows observe at safe points.
const (
	MetaPrepared  = "prepared"
	MetaRunning   = "running"
	MetaCompleted = "completed"
	MetaError     = "error"
	MetaPaused    = "paused"
	MetaStopping  = "stopping"
	MetaStopped   = "stopped"
)

// NodeState records the progress of a single workflow node.
type NodeState struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// TaskContext is the evolving structured result accumulated by a
// workflow and stored on the Event. Either empty (nil) or well-formed
// with all three keys present.
type TaskContext struct {
	Event    map[string]any       `json:"event"`
	Metadata map[string]any       `json:"metadata"`
	Nodes    map[string]NodeState `json:"nodes"`
}

// NewTaskContext seeds a context from the submission payload and
// initial metadata, with all three keys present.
func NewTaskContext(payload map[string]any, metadata map[string]any) *TaskContext {
	if payload == nil {
		payload = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &TaskContext{
		Event:    payload,
		Metadata: metadata,
		Nodes:    map[string]NodeState{},
	}
}

// SetMeta records a metadata value, allocating the map if needed.
func (tc *TaskContext) SetMeta(key string, value any) {
	if tc.Metadata == nil {
		tc.Metadata = map[string]any{}
	}
	tc.Metadata[key] = value
}

// MetaString returns a string metadata value, or "" when absent or not
// a string.
func (tc *TaskContext) MetaString(key string) string {
	if tc == nil || tc.Metadata == nil {
		return ""
	}
	if s, ok := tc.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MetaStrings returns a []string metadata value, tolerating the
// []any shape produced by JSON round-trips.
func (tc *TaskContext) MetaStrings(key string) []string {
	if tc == nil || tc.Metadata == nil {
		return nil
	}
	switch v := tc.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SetNode records the state of a named node, allocating the map if needed.
func (tc *TaskContext) SetNode(name string, state NodeState) {
	if tc.Nodes == nil {
		tc.Nodes = map[string]NodeState{}
	}
	tc.Nodes[name] = state
}

// MarkStarted stamps started_at if not already present.
func (tc *TaskContext) MarkStarted(now time.Time) {
	if tc.MetaString("started_at") == "" {
		tc.SetMeta("started_at", now.UTC().Format(time.RFC3339))
	}
}
