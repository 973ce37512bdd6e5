package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit is the maximum number of envelopes replayed to a late
// subscriber. Beyond it, a truncated-catchup note tells the client to
// reload via the status endpoint.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when a new
// PG channel is subscribed. Without it, a stalled connection would block
// the subscribing goroutine (and thus the client's read loop) indefinitely.
const listenTimeout = 10 * time.Second

// ConnectionManager maintains the registry of live WebSocket
// subscribers per project and fans broadcasts out to them. Each process
// (pod) has one ConnectionManager instance.
type ConnectionManager struct {
	// Active connections: connection_id -> *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel -> set of connection_ids.
	// Read-mostly: fan-out takes the read lock, mutations the write lock.
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	catchupQuerier CatchupQuerier

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex

	// Write timeout for WebSocket sends; a subscriber that cannot accept
	// a frame within it is evicted.
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all
// reads and writes happen on the single goroutine that owns this
// connection (HandleConnection's read loop and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(catchupQuerier CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:    make(map[string]*Connection),
		channels:       make(map[string]map[string]bool),
		catchupQuerier: catchupQuerier,
		writeTimeout:   writeTimeout,
	}
}

// SetListener sets the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup after both sides are constructed.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection manages the lifecycle of a single WebSocket
// connection already scoped to projectID by the upgrade handler. It
// subscribes, confirms with a connection-established envelope, replays
// missed envelopes, then serves the client read loop until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, projectID string) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	if err := m.subscribe(c, ProjectChannel(projectID)); err != nil {
		m.sendEnvelope(c, NewEnvelope(TypeError, projectID, map[string]any{
			"message": "subscription failed",
		}))
		return
	}

	m.sendEnvelope(c, NewEnvelope(TypeConnectionEstablished, projectID, map[string]any{
		"clientId": connID,
	}))
	m.handleCatchup(ctx, c, projectID, 0)

	// Read loop: process client messages until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "project_id", projectID, "error", err)
			m.sendEnvelope(c, NewEnvelope(TypeError, projectID, map[string]any{
				"message": "malformed client message",
			}))
			continue
		}

		m.handleClientMessage(ctx, c, projectID, &msg)
	}
}

// Broadcast delivers one serialized envelope to every live connection
// subscribed to its project channel. A malformed envelope is rejected
// and logged; a failed or slow subscriber is evicted without affecting
// the others.
func (m *ConnectionManager) Broadcast(channel string, frame []byte) {
	envelope, err := ParseEnvelope(frame)
	if err != nil {
		slog.Warn("Rejected invalid broadcast envelope", "channel", channel, "error", err)
		return
	}
	if ProjectChannel(envelope.ProjectID) != channel {
		slog.Warn("Rejected envelope with mismatched channel",
			"channel", channel, "project_id", envelope.ProjectID)
		return
	}

	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers under the lock, then release before
	// sending, so slow writes (up to writeTimeout each) cannot stall
	// register/unregister operations.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, frame); err != nil {
			slog.Warn("Evicting WebSocket subscriber after failed send",
				"connection_id", conn.ID, "channel", channel, "error", err)
			m.evict(conn)
		}
	}
}

// evict force-closes a subscriber whose send failed or timed out. The
// connection's read loop observes the close and unregisters normally.
func (m *ConnectionManager) evict(c *Connection) {
	c.cancel()
	_ = c.Conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported; used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// handleClientMessage dispatches a client message. Every well-formed
// message is acknowledged with a message-received envelope.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, projectID string, msg *ClientMessage) {
	target := msg.ProjectID
	if target == "" {
		target = projectID
	}

	switch msg.Action {
	case "subscribe":
		if err := m.subscribe(c, ProjectChannel(target)); err != nil {
			m.sendEnvelope(c, NewEnvelope(TypeError, target, map[string]any{
				"message": "failed to subscribe",
			}))
			return
		}
	case "unsubscribe":
		m.unsubscribe(c, ProjectChannel(target))
	case "catchup":
		sinceID := 0
		if msg.LastEventID != nil {
			sinceID = *msg.LastEventID
		}
		m.handleCatchup(ctx, c, target, sinceID)
	case "ping":
		// Ack only.
	default:
		m.sendEnvelope(c, NewEnvelope(TypeError, projectID, map[string]any{
			"message": fmt.Sprintf("unknown action %q", msg.Action),
		}))
		return
	}

	m.sendEnvelope(c, NewEnvelope(TypeMessageReceived, target, map[string]any{
		"action": msg.Action,
	}))
}

// subscribe registers a connection for a channel and starts LISTEN if it
// is the first subscriber. LISTEN is synchronous so it completes before
// subscribe returns; the subsequent catchup therefore runs with LISTEN
// already active, closing the gap where envelopes published between
// catchup and LISTEN would be lost.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes ALL subscribers from a channel after a
// LISTEN failure and notifies every affected connection except the
// triggering one, which is notified by the caller via the returned error.
//
// Between unlocking channelMu (after creating the channel entry) and
// l.Subscribe completing, other goroutines may have subscribed to the
// same channel; they saw the channel existed, skipped LISTEN, and
// returned success. Those connections are now orphaned and must be told
// their subscription is gone.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendEnvelope(conn, NewEnvelope(TypeError, projectOf(channel), map[string]any{
			"message": "channel listen failed; subscription removed",
		}))
	}
}

// unsubscribe removes a connection from a channel and stops LISTEN if it
// was the last subscriber.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			// The goroutine re-checks m.channels before issuing UNLISTEN
			// to prevent a rapid unsubscribe/resubscribe cycle from
			// dropping an active LISTEN.
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays persisted envelopes after sinceID to the client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, projectID string, sinceID int) {
	if m.catchupQuerier == nil {
		return
	}
	channel := ProjectChannel(projectID)

	// Capped at catchupLimit+1 to detect overflow.
	missed, err := m.catchupQuerier.GetCatchupEvents(ctx, channel, sinceID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(missed) > catchupLimit
	if hasMore {
		missed = missed[:catchupLimit]
	}

	// Replay in order, injecting db_event_id for position tracking. The
	// stored envelope doesn't carry it (it is added to the NOTIFY frame
	// at publish time), so add it here from the row id.
	for _, evt := range missed {
		if payload, ok := evt.Payload["payload"].(map[string]any); ok {
			payload["db_event_id"] = evt.ID
		}
		frame, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, frame); err != nil {
			slog.Warn("Failed to send catchup envelope",
				"connection_id", c.ID, "error", err)
			return
		}
	}

	// More envelopes were missed than the replay cap: tell the client to
	// reload current state from the status endpoint instead.
	if hasMore {
		m.sendEnvelope(c, NewEnvelope(TypeError, projectID, map[string]any{
			"message":  "catchup overflow; reload status",
			"has_more": true,
		}))
	}
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendEnvelope marshals and sends an envelope to a single connection.
func (m *ConnectionManager) sendEnvelope(c *Connection, envelope Envelope) {
	data, err := envelope.Marshal()
	if err != nil {
		slog.Warn("Failed to marshal envelope",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send envelope",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with the write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

// projectOf recovers the project id from a "project:<id>" channel name.
func projectOf(channel string) string {
	const prefix = "project:"
	if len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
		return channel[len(prefix):]
	}
	return channel
}
