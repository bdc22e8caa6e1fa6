// ABOUTME: Process-wide event hub: typed pub/sub for agent lifecycle and history signals
// ABOUTME: Listeners run synchronously in registration order; panics are contained

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/agent-ledger/internal/registry"
	"github.com/2389/agent-ledger/internal/timeline"
)

// HistoryUpdate is the payload delivered to history-update listeners.
type HistoryUpdate struct {
	AgentID string
	Entry   *timeline.ExecutionEntry
	// SequenceNumber is the ordering hint from the originating event,
	// zero when the trigger carried none.
	SequenceNumber int64
}

// HistoryCreated is the payload delivered when a new execution entry starts.
type HistoryCreated struct {
	AgentID string
	Entry   *timeline.ExecutionEntry
}

// subscription pairs a listener with its removal handle id.
type subscription[T any] struct {
	id uint64
	fn func(T)
}

// signal is an ordered listener list for one event channel. Delivery happens
// in registration order; a panicking listener is recovered and logged so the
// remaining listeners still run.
type signal[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription[T]
	name   string
	logger *slog.Logger
}

func newSignal[T any](name string, logger *slog.Logger) *signal[T] {
	return &signal[T]{name: name, logger: logger}
}

// subscribe registers a listener and returns a handle that removes exactly
// that listener. The handle is idempotent.
func (s *signal[T]) subscribe(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription[T]{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// emit synchronously invokes every currently-registered listener in order.
func (s *signal[T]) emit(v T) {
	s.mu.Lock()
	snapshot := make([]subscription[T], len(s.subs))
	copy(snapshot, s.subs)
	s.mu.Unlock()

	for _, sub := range snapshot {
		s.call(sub, v)
	}
}

func (s *signal[T]) call(sub subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked",
				"signal", s.name,
				"listener_id", sub.id,
				"panic", r)
		}
	}()
	sub.fn(v)
}

func (s *signal[T]) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}

// Hub relays agent lifecycle and history events. It is constructed once by
// the composition root and injected everywhere it is consumed; Reset exists
// for test isolation.
type Hub struct {
	agentRegistered   *signal[string]
	agentUnregistered *signal[string]
	historyUpdate     *signal[HistoryUpdate]
	historyCreated    *signal[HistoryCreated]
	logger            *slog.Logger
}

// New creates a hub. Pass nil logger for default.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hub")
	return &Hub{
		agentRegistered:   newSignal[string]("agent_registered", logger),
		agentUnregistered: newSignal[string]("agent_unregistered", logger),
		historyUpdate:     newSignal[HistoryUpdate]("history_update", logger),
		historyCreated:    newSignal[HistoryCreated]("history_created", logger),
		logger:            logger,
	}
}

// OnAgentRegistered registers a listener; the returned handle removes it.
func (h *Hub) OnAgentRegistered(fn func(agentID string)) func() {
	return h.agentRegistered.subscribe(fn)
}

// OnAgentUnregistered registers a listener; the returned handle removes it.
func (h *Hub) OnAgentUnregistered(fn func(agentID string)) func() {
	return h.agentUnregistered.subscribe(fn)
}

// OnHistoryUpdate registers a listener; the returned handle removes it.
func (h *Hub) OnHistoryUpdate(fn func(HistoryUpdate)) func() {
	return h.historyUpdate.subscribe(fn)
}

// OnHistoryEntryCreated registers a listener; the returned handle removes it.
func (h *Hub) OnHistoryEntryCreated(fn func(HistoryCreated)) func() {
	return h.historyCreated.subscribe(fn)
}

// EmitAgentRegistered notifies all registration listeners.
func (h *Hub) EmitAgentRegistered(agentID string) {
	h.agentRegistered.emit(agentID)
}

// EmitAgentUnregistered notifies all unregistration listeners.
func (h *Hub) EmitAgentUnregistered(agentID string) {
	h.agentUnregistered.emit(agentID)
}

// EmitHistoryUpdate notifies all history-update listeners.
func (h *Hub) EmitHistoryUpdate(update HistoryUpdate) {
	h.historyUpdate.emit(update)
}

// EmitHistoryEntryCreated notifies all entry-creation listeners.
func (h *Hub) EmitHistoryEntryCreated(created HistoryCreated) {
	h.historyCreated.emit(created)
}

// Reset removes every registered listener. Intended for test isolation.
func (h *Hub) Reset() {
	h.agentRegistered.reset()
	h.agentUnregistered.reset()
	h.historyUpdate.reset()
	h.historyCreated.reset()
}

// PublishOptions names the inputs of PublishTimelineEvent.
type PublishOptions struct {
	AgentID   string
	HistoryID string
	Event     *timeline.TimelineEvent
	Registry  registry.Registry
}

// PublishTimelineEvent appends an event to an agent's history entry through
// the agent's persistence facade and notifies update listeners with the
// persisted entry.
//
// An absent agent returns (nil, nil) with no persistence call: an
// unregister racing a publish is expected, not an error.
func (h *Hub) PublishTimelineEvent(ctx context.Context, opts PublishOptions) (*timeline.ExecutionEntry, error) {
	agent, ok := opts.Registry.GetAgent(opts.AgentID)
	if !ok {
		h.logger.Debug("publish for unknown agent skipped",
			"agent_id", opts.AgentID,
			"history_id", opts.HistoryID)
		return nil, nil
	}

	entry, err := agent.HistoryManager().PersistTimelineEvent(ctx, opts.HistoryID, opts.Event)
	if err != nil {
		return nil, fmt.Errorf("persisting timeline event for agent %s: %w", opts.AgentID, err)
	}

	h.EmitHistoryUpdate(HistoryUpdate{
		AgentID:        opts.AgentID,
		Entry:          entry,
		SequenceNumber: opts.Event.SequenceNumber,
	})
	return entry, nil
}

var _ registry.Notifier = (*Hub)(nil)
