// ABOUTME: Store-backed history manager and a local Agent implementation
// ABOUTME: Bridges the registry contracts onto the durable timeline store

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-ledger/internal/store"
	"github.com/2389/agent-ledger/internal/timeline"
)

// StoreHistoryManager persists one agent's execution history through the
// durable timeline store.
type StoreHistoryManager struct {
	agentID string
	store   store.TimelineStore
}

// NewStoreHistoryManager creates a history manager bound to one agent.
func NewStoreHistoryManager(agentID string, s store.TimelineStore) *StoreHistoryManager {
	return &StoreHistoryManager{agentID: agentID, store: s}
}

// StartEntry creates a new running execution entry for a task.
func (h *StoreHistoryManager) StartEntry(ctx context.Context, input map[string]any) (*timeline.ExecutionEntry, error) {
	entry := &timeline.ExecutionEntry{
		ID:        uuid.New().String(),
		AgentID:   h.agentID,
		StartTime: time.Now().UTC(),
		Status:    timeline.StatusRunning,
		Input:     input,
	}
	if err := h.store.UpsertHistoryEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("starting history entry: %w", err)
	}
	return entry, nil
}

// CompleteEntry finalizes an entry's status exactly once, recording output,
// usage, and the end time.
func (h *StoreHistoryManager) CompleteEntry(ctx context.Context, historyID string, status timeline.EntryStatus, output string, usage *timeline.UsageInfo) (*timeline.ExecutionEntry, error) {
	entry, err := h.store.GetHistoryEntry(ctx, historyID)
	if err != nil {
		return nil, fmt.Errorf("loading history entry for completion: %w", err)
	}
	if entry.Status.Terminal() {
		return entry, nil
	}

	now := time.Now().UTC()
	entry.EndTime = &now
	entry.Status = status
	entry.Output = output
	if usage != nil {
		entry.Usage = usage
	}
	if err := h.store.UpsertHistoryEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("completing history entry: %w", err)
	}
	return entry, nil
}

// AddStep appends a step to an entry.
func (h *StoreHistoryManager) AddStep(ctx context.Context, historyID string, step timeline.HistoryStep) error {
	return h.store.AddHistoryStep(ctx, historyID, h.agentID, step)
}

// PersistTimelineEvent appends an event under the given entry and returns
// the persisted entry with steps and events joined.
func (h *StoreHistoryManager) PersistTimelineEvent(ctx context.Context, historyID string, event *timeline.TimelineEvent) (*timeline.ExecutionEntry, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.StartTime.IsZero() {
		event.StartTime = time.Now().UTC()
	}
	if err := h.store.AddTimelineEvent(ctx, historyID, h.agentID, event); err != nil {
		return nil, fmt.Errorf("persisting timeline event: %w", err)
	}
	entry, err := h.store.GetHistoryEntry(ctx, historyID)
	if err != nil {
		return nil, fmt.Errorf("loading history entry after event: %w", err)
	}
	return entry, nil
}

// History returns all of the agent's entries, newest first.
func (h *StoreHistoryManager) History(ctx context.Context) ([]*timeline.ExecutionEntry, error) {
	return h.store.GetHistoryByAgent(ctx, h.agentID)
}

var _ HistoryManager = (*StoreHistoryManager)(nil)

// LocalAgent is an in-process Agent whose history lives in the durable
// store. The execution engine wraps its agents in this to participate in
// history tracking.
type LocalAgent struct {
	id      string
	name    string
	history *StoreHistoryManager
}

// NewLocalAgent creates an agent handle backed by the given store.
func NewLocalAgent(id, name string, s store.TimelineStore) *LocalAgent {
	return &LocalAgent{
		id:      id,
		name:    name,
		history: NewStoreHistoryManager(id, s),
	}
}

func (a *LocalAgent) ID() string   { return a.id }
func (a *LocalAgent) Name() string { return a.name }

func (a *LocalAgent) History(ctx context.Context) ([]*timeline.ExecutionEntry, error) {
	return a.history.History(ctx)
}

func (a *LocalAgent) HistoryManager() HistoryManager { return a.history }

// StoreHistory exposes the concrete manager for entry lifecycle helpers.
func (a *LocalAgent) StoreHistory() *StoreHistoryManager { return a.history }

var _ Agent = (*LocalAgent)(nil)
