// ABOUTME: Hierarchical relay of history events up the agent parent graph
// ABOUTME: Cycle-safe: each node expands once, so each directed edge relays once

package hub

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-ledger/internal/registry"
	"github.com/2389/agent-ledger/internal/timeline"
)

// Synthesized event names for propagated history signals.
const (
	agentEventStart   = "agent:start"
	agentEventSuccess = "agent:success"
	agentEventError   = "agent:error"
)

// EmitHierarchicalHistoryEntryCreated emits the raw creation signal for the
// origin agent and relays a synthesized agent event to every ancestor.
func (h *Hub) EmitHierarchicalHistoryEntryCreated(ctx context.Context, originAgentID string, entry *timeline.ExecutionEntry, reg registry.Registry) {
	h.EmitHistoryEntryCreated(HistoryCreated{AgentID: originAgentID, Entry: entry})
	h.propagate(ctx, originAgentID, entry, reg, make(map[string]bool))
}

// EmitHierarchicalHistoryUpdate emits the raw update signal for the origin
// agent and relays a synthesized agent event to every ancestor. Only
// callers holding a terminal or initial entry invoke this; intermediate
// status changes stay local to bound propagation volume.
func (h *Hub) EmitHierarchicalHistoryUpdate(ctx context.Context, originAgentID string, entry *timeline.ExecutionEntry, reg registry.Registry) {
	h.EmitHistoryUpdate(HistoryUpdate{
		AgentID:        originAgentID,
		Entry:          entry,
		SequenceNumber: latestSequenceNumber(entry),
	})
	h.propagate(ctx, originAgentID, entry, reg, make(map[string]bool))
}

// propagate walks the parent edges of origin, publishing one synthesized
// event per edge, then recursing into each parent. The visited set guards
// node expansion, not edge publication: each agent's parent list is walked
// at most once per originating event, so the walk terminates on any graph,
// while a two-node cycle A<->B still relays both directed edges.
//
// Hops are sequential: each publish completes before the recursion
// continues, giving descendant-before-ancestor visibility ordering.
func (h *Hub) propagate(ctx context.Context, originID string, entry *timeline.ExecutionEntry, reg registry.Registry, visited map[string]bool) {
	if visited[originID] {
		return
	}
	visited[originID] = true

	origin, ok := reg.GetAgent(originID)
	if !ok {
		return
	}

	for _, parentID := range reg.GetParentAgentIDs(originID) {
		if _, ok := reg.GetAgent(parentID); !ok {
			continue
		}

		event := synthesizeAgentEvent(origin, entry, parentID)
		if _, err := h.PublishTimelineEvent(ctx, PublishOptions{
			AgentID:   parentID,
			HistoryID: entry.ID,
			Event:     event,
			Registry:  reg,
		}); err != nil {
			h.logger.Warn("propagation hop failed",
				"origin_agent", originID,
				"parent_agent", parentID,
				"history_id", entry.ID,
				"error", err)
		}

		h.propagate(ctx, parentID, entry, reg, visited)
	}
}

// synthesizeAgentEvent builds the agent-typed event a parent records about a
// descendant's entry. The name follows the entry status; errors carry the
// entry output as the status message.
func synthesizeAgentEvent(origin registry.Agent, entry *timeline.ExecutionEntry, parentID string) *timeline.TimelineEvent {
	event := &timeline.TimelineEvent{
		ID:        uuid.New().String(),
		Type:      timeline.EventTypeAgent,
		StartTime: time.Now().UTC(),
		Status:    entry.Status,
		Level:     timeline.LevelInfo,
		Metadata: map[string]any{
			"displayName": origin.Name(),
			"id":          origin.ID(),
			"agentId":     parentID,
		},
	}

	switch entry.Status {
	case timeline.StatusCompleted:
		event.Name = agentEventSuccess
	case timeline.StatusError:
		event.Name = agentEventError
		event.Level = timeline.LevelError
		event.StatusMessage = &timeline.StatusMessage{Message: entry.Output}
	default:
		// running and idle both read as "the descendant started"
		event.Name = agentEventStart
	}

	return event
}

// latestSequenceNumber returns the sequence hint of the entry's most recent
// event, zero when no event carries one.
func latestSequenceNumber(entry *timeline.ExecutionEntry) int64 {
	for i := len(entry.Events) - 1; i >= 0; i-- {
		if entry.Events[i].SequenceNumber > 0 {
			return entry.Events[i].SequenceNumber
		}
	}
	return 0
}
