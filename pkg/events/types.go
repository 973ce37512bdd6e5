// Package events provides real-time progress delivery: envelopes are
// persisted and broadcast via PostgreSQL NOTIFY/LISTEN for cross-pod
// distribution, then fanned out to WebSocket subscribers per project.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope types sent to WebSocket clients.
const (
	TypeExecutionUpdate       = "execution-update"
	TypeExecutionLog          = "execution-log"
	TypeError                 = "error"
	TypeCompletion            = "completion"
	TypeConnectionEstablished = "connection-established"
	TypeMessageReceived       = "message-received"
)

// maxEnvelopeBytes caps the serialized envelope size.
const maxEnvelopeBytes = 10 * 1024

// validTypes is the closed enum of envelope types.
var validTypes = map[string]bool{
	TypeExecutionUpdate:       true,
	TypeExecutionLog:          true,
	TypeError:                 true,
	TypeCompletion:            true,
	TypeConnectionEstablished: true,
	TypeMessageReceived:       true,
}

// Envelope is the wire format for every server → client frame.
// Exactly four fields; ts is UTC ISO-8601 with a trailing Z.
type Envelope struct {
	Type      string         `json:"type"`
	TS        string         `json:"ts"`
	ProjectID string         `json:"projectId"`
	Payload   map[string]any `json:"payload"`
}

// NewEnvelope stamps an envelope with the current UTC time.
func NewEnvelope(envType, projectID string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Type:      envType,
		TS:        time.Now().UTC().Format(time.RFC3339),
		ProjectID: projectID,
		Payload:   payload,
	}
}

// Validate checks the envelope contract: all four fields present, type
// within the enum, ts ending in Z.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("envelope missing type")
	}
	if !validTypes[e.Type] {
		return fmt.Errorf("envelope type %q outside enum", e.Type)
	}
	if e.TS == "" {
		return fmt.Errorf("envelope missing ts")
	}
	if !strings.HasSuffix(e.TS, "Z") {
		return fmt.Errorf("envelope ts %q is not UTC (no Z suffix)", e.TS)
	}
	if e.ProjectID == "" {
		return fmt.Errorf("envelope missing projectId")
	}
	if e.Payload == nil {
		return fmt.Errorf("envelope missing payload")
	}
	return nil
}

// Marshal validates and serializes the envelope, enforcing the size cap.
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(data) > maxEnvelopeBytes {
		return nil, fmt.Errorf("envelope exceeds %d bytes (%d)", maxEnvelopeBytes, len(data))
	}
	return data, nil
}

// ParseEnvelope strictly decodes a wire frame back into an Envelope.
// Unknown top-level fields are rejected, preserving the exactly-four-
// fields contract end to end.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// ProjectChannel returns the NOTIFY/subscription channel for a project.
// Format: "project:{project_id}"
func ProjectChannel(projectID string) string {
	return "project:" + projectID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	ProjectID   string `json:"projectId,omitempty"`     // project scope for subscribe/unsubscribe/catchup
	LastEventID *int   `json:"last_event_id,omitempty"` // for catchup
}
