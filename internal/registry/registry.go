// ABOUTME: Agent registry contracts and the in-memory registry implementation
// ABOUTME: Tracks registered agents and child-to-parent edges for hierarchical relay

package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/agent-ledger/internal/timeline"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// HistoryManager is the persistence facade one agent exposes for its own
// execution history.
type HistoryManager interface {
	// PersistTimelineEvent appends an event under the given history entry
	// and returns the resulting persisted entry.
	PersistTimelineEvent(ctx context.Context, historyID string, event *timeline.TimelineEvent) (*timeline.ExecutionEntry, error)
}

// Agent is the contract the hub and real-time layer consume. The execution
// engine owns concrete agents; the registry only tracks them.
type Agent interface {
	ID() string
	Name() string
	History(ctx context.Context) ([]*timeline.ExecutionEntry, error)
	HistoryManager() HistoryManager
}

// Registry resolves agents and parent edges for hierarchical propagation.
type Registry interface {
	GetAgent(id string) (Agent, bool)
	// GetParentAgentIDs returns the agent's parents in registration order,
	// empty for roots.
	GetParentAgentIDs(id string) []string
}

// Notifier receives registration lifecycle signals. The event hub satisfies
// this; a nil Notifier disables signaling.
type Notifier interface {
	EmitAgentRegistered(agentID string)
	EmitAgentUnregistered(agentID string)
}

// Manager is the in-memory Registry. It owns the authoritative agent map
// and the child-to-parent edges of the hierarchy.
type Manager struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	parents  map[string][]string // child id -> parent ids, insertion order
	notifier Notifier
	logger   *slog.Logger
}

// NewManager creates an empty registry. Pass nil logger for default.
func NewManager(notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:   make(map[string]Agent),
		parents:  make(map[string][]string),
		notifier: notifier,
		logger:   logger.With("component", "registry"),
	}
}

// Register adds an agent to the registry.
// Returns ErrAgentAlreadyRegistered if an agent with the same ID exists.
func (m *Manager) Register(agent Agent) error {
	m.mu.Lock()
	if _, exists := m.agents[agent.ID()]; exists {
		m.mu.Unlock()
		return ErrAgentAlreadyRegistered
	}
	m.agents[agent.ID()] = agent
	total := len(m.agents)
	m.mu.Unlock()

	m.logger.Info("agent registered",
		"agent_id", agent.ID(),
		"name", agent.Name(),
		"total_agents", total,
	)
	if m.notifier != nil {
		m.notifier.EmitAgentRegistered(agent.ID())
	}
	return nil
}

// Unregister removes an agent and its child edges from the registry.
// Unknown ids are ignored.
func (m *Manager) Unregister(agentID string) {
	m.mu.Lock()
	_, exists := m.agents[agentID]
	if exists {
		delete(m.agents, agentID)
		delete(m.parents, agentID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	if !exists {
		return
	}
	m.logger.Info("agent unregistered", "agent_id", agentID, "total_agents", total)
	if m.notifier != nil {
		m.notifier.EmitAgentUnregistered(agentID)
	}
}

// AddSubAgent records a child-to-parent edge. Duplicate edges are ignored.
// Edges may form cycles; the hub's propagation is cycle-safe.
func (m *Manager) AddSubAgent(parentID, childID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.parents[childID] {
		if p == parentID {
			return
		}
	}
	m.parents[childID] = append(m.parents[childID], parentID)
}

// RemoveSubAgent removes a child-to-parent edge if present.
func (m *Manager) RemoveSubAgent(parentID, childID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	edges := m.parents[childID]
	for i, p := range edges {
		if p == parentID {
			m.parents[childID] = append(edges[:i], edges[i+1:]...)
			break
		}
	}
	if len(m.parents[childID]) == 0 {
		delete(m.parents, childID)
	}
}

// GetAgent retrieves an agent by ID.
func (m *Manager) GetAgent(id string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	return agent, ok
}

// GetParentAgentIDs returns the parent ids of an agent in insertion order.
func (m *Manager) GetParentAgentIDs(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	edges := m.parents[id]
	out := make([]string, len(edges))
	copy(out, edges)
	return out
}

// ListAgents returns the ids of all registered agents.
func (m *Manager) ListAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	return ids
}

var _ Registry = (*Manager)(nil)
