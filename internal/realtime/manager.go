// ABOUTME: Tracks live real-time subscriptions per agent and fans out hub events
// ABOUTME: Broadcast is best-effort: dead connections are removed, never retried

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-ledger/internal/hub"
	"github.com/2389/agent-ledger/internal/registry"
)

// ConnectionManager owns every live connection, keyed by agent. It is a
// passive subscriber of the event hub: history updates and creations are
// fanned out to the affected agent's connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]map[Conn]struct{} // agentID -> connection set

	registry registry.Registry
	logger   *slog.Logger
	unsubs   []func()
}

// NewConnectionManager creates a manager subscribed to the hub's history
// signals. Call Close to detach the subscriptions.
func NewConnectionManager(h *hub.Hub, reg registry.Registry, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ConnectionManager{
		conns:    make(map[string]map[Conn]struct{}),
		registry: reg,
		logger:   logger.With("component", "realtime"),
	}

	m.unsubs = append(m.unsubs,
		h.OnHistoryUpdate(m.handleHistoryUpdate),
		h.OnHistoryEntryCreated(m.handleHistoryCreated),
	)
	return m
}

// Close detaches the manager from the hub and drops all connections.
func (m *ConnectionManager) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	for agentID, set := range m.conns {
		for conn := range set {
			conn.Close()
		}
		delete(m.conns, agentID)
	}
}

// AddConnection registers a connection for an agent. Adding the same
// connection twice is a no-op (set semantics).
func (m *ConnectionManager) AddConnection(agentID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.conns[agentID]
	if !ok {
		set = make(map[Conn]struct{})
		m.conns[agentID] = set
	}
	if _, dup := set[conn]; dup {
		return
	}
	set[conn] = struct{}{}

	m.logger.Debug("connection added", "agent_id", agentID, "connections", len(set))
}

// RemoveConnection drops a connection. Removing the last connection for an
// agent deletes the map entry so empty sets never accumulate.
func (m *ConnectionManager) RemoveConnection(agentID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(agentID, conn)
}

func (m *ConnectionManager) removeLocked(agentID string, conn Conn) {
	set, ok := m.conns[agentID]
	if !ok {
		return
	}
	if _, exists := set[conn]; !exists {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(m.conns, agentID)
	}

	m.logger.Debug("connection removed", "agent_id", agentID, "connections", len(set))
}

// ConnectionCount returns the number of live connections for an agent.
func (m *ConnectionManager) ConnectionCount(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns[agentID])
}

// BroadcastToAgent serializes the message once and sends it to every open
// connection for the agent. A connection whose send fails is removed
// immediately; the failure never reaches the broadcaster's caller. This
// removal is the system's only backpressure mechanism.
func (m *ConnectionManager) BroadcastToAgent(agentID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("failed to serialize broadcast", "agent_id", agentID, "type", msg.Type, "error", err)
		return
	}

	m.mu.RLock()
	set, ok := m.conns[agentID]
	if !ok || len(set) == 0 {
		m.mu.RUnlock()
		return
	}
	targets := make([]Conn, 0, len(set))
	for conn := range set {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		if !conn.Ready() {
			continue
		}
		if err := conn.Send(data); err != nil {
			m.logger.Debug("dropping dead connection",
				"agent_id", agentID,
				"type", msg.Type,
				"error", err)
			m.RemoveConnection(agentID, conn)
		}
	}
}

// InitialAgentState returns the catch-up snapshot for a newly opened
// connection: the agent's full ordered history. Returns (nil, nil) when the
// agent is absent or its history is empty, so callers never push an empty
// snapshot on connect.
func (m *ConnectionManager) InitialAgentState(ctx context.Context, agentID string) (*Message, error) {
	agent, ok := m.registry.GetAgent(agentID)
	if !ok {
		return nil, nil
	}

	entries, err := agent.History(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	return &Message{Type: TypeHistoryList, Success: true, Data: entries}, nil
}

// HandleInbound services the test/echo channel of a connection not bound to
// any agent: the payload is parsed and echoed back. A malformed payload is
// logged and dropped; it never kills the connection.
func (m *ConnectionManager) HandleInbound(conn Conn, payload []byte) {
	var parsed json.RawMessage
	if err := json.Unmarshal(payload, &parsed); err != nil {
		m.logger.Warn("dropping malformed echo payload", "error", err)
		return
	}

	data, err := json.Marshal(EchoMessage(parsed))
	if err != nil {
		m.logger.Error("failed to serialize echo", "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		m.logger.Debug("echo send failed", "error", err)
	}
}

// handleHistoryUpdate fans one history update out to the agent's
// connections. The sequence number comes from the originating event when
// present, else from the wall clock; consumers must treat ordering as
// best-effort.
func (m *ConnectionManager) handleHistoryUpdate(update hub.HistoryUpdate) {
	seq := update.SequenceNumber
	if seq == 0 {
		seq = time.Now().UnixMilli()
	}
	m.BroadcastToAgent(update.AgentID, Message{
		Type:           TypeHistoryUpdate,
		Success:        true,
		SequenceNumber: seq,
		Data:           update.Entry,
	})
}

// handleHistoryCreated fans one entry creation out to the agent's
// connections. Creations carry no sequence number.
func (m *ConnectionManager) handleHistoryCreated(created hub.HistoryCreated) {
	m.BroadcastToAgent(created.AgentID, Message{
		Type:    TypeHistoryCreated,
		Success: true,
		Data:    created.Entry,
	})
}
