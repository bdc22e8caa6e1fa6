// ABOUTME: Domain types for agent execution history tracking
// ABOUTME: Defines ExecutionEntry, TimelineEvent, HistoryStep and status/level constants

package timeline

import "time"

// EntryStatus describes the lifecycle state of an execution entry.
type EntryStatus string

const (
	StatusRunning   EntryStatus = "running"
	StatusCompleted EntryStatus = "completed"
	StatusError     EntryStatus = "error"
	StatusIdle      EntryStatus = "idle"
)

// Terminal reports whether the status is a final state.
// Only terminal updates are relayed up the agent hierarchy; intermediate
// status changes stay local to bound the propagation volume.
func (s EntryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// EventLevel is the severity attached to a timeline event.
type EventLevel string

const (
	LevelInfo    EventLevel = "INFO"
	LevelWarning EventLevel = "WARNING"
	LevelError   EventLevel = "ERROR"
)

// EventType categorizes what produced a timeline event.
type EventType string

const (
	EventTypeAgent     EventType = "agent"
	EventTypeTool      EventType = "tool"
	EventTypeMemory    EventType = "memory"
	EventTypeRetriever EventType = "retriever"
)

// UsageInfo tracks token consumption for one execution entry.
type UsageInfo struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// StatusMessage carries a human-readable note alongside an event status,
// typically the error output for agent:error events.
type StatusMessage struct {
	Message string `json:"message"`
}

// TimelineEvent is one step inside an execution entry. Events are logically
// immutable once written; a start event and its terminal counterpart are
// linked through ParentEventID.
type TimelineEvent struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Name          string         `json:"name"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       *time.Time     `json:"endTime,omitempty"`
	Status        EntryStatus    `json:"status,omitempty"`
	StatusMessage *StatusMessage `json:"statusMessage,omitempty"`
	Level         EventLevel     `json:"level,omitempty"`
	Version       string         `json:"version,omitempty"`
	ParentEventID string         `json:"parentEventId,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Error         map[string]any `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// SequenceNumber is an ordering hint assigned by the event producer.
	// Zero means unset; consumers fall back to wall-clock time and must
	// treat ordering as best-effort.
	SequenceNumber int64 `json:"sequenceNumber,omitempty"`
}

// HistoryStep is one persisted key/value step of an execution entry.
// Value holds serialized JSON.
type HistoryStep struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExecutionEntry is one run of one agent for one task.
type ExecutionEntry struct {
	ID        string           `json:"id"`
	AgentID   string           `json:"agentId"`
	StartTime time.Time        `json:"startTime"`
	EndTime   *time.Time       `json:"endTime,omitempty"`
	Status    EntryStatus      `json:"status"`
	Input     map[string]any   `json:"input,omitempty"`
	Output    string           `json:"output,omitempty"`
	Usage     *UsageInfo       `json:"usage,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Steps     []HistoryStep    `json:"steps,omitempty"`
	Events    []*TimelineEvent `json:"events,omitempty"`
}
