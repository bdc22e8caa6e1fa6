// ABOUTME: Transforms legacy loosely-typed event envelopes into typed timeline events
// ABOUTME: Terminal-only legacy records become linked start/terminal event pairs

package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-ledger/internal/timeline"
)

// legacyEvent is the loosely-typed {type, name, data} envelope the old
// history log recorded per step.
type legacyEvent struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
}

// legacyEventKind identifies one known legacy envelope shape.
type legacyEventKind struct {
	Type string
	Name string
}

// pairSpec describes a legacy kind that expands into a linked
// start/terminal event pair. The legacy form recorded only the terminal
// state, so the start event is synthesized.
type pairSpec struct {
	eventType timeline.EventType
	startName string
	endName   string
}

// legacyPairKinds is the exhaustive table of legacy kinds that expand into
// event pairs. Unknown kinds pass through transformPassthrough instead.
var legacyPairKinds = map[legacyEventKind]pairSpec{
	{Type: "tool", Name: "tool_working"}: {
		eventType: timeline.EventTypeTool,
		startName: "tool:start",
		endName:   "tool:success",
	},
	{Type: "memory", Name: "saveMessage"}: {
		eventType: timeline.EventTypeMemory,
		startName: "memory:write_start",
		endName:   "memory:write_success",
	},
	{Type: "memory", Name: "getMessages"}: {
		eventType: timeline.EventTypeMemory,
		startName: "memory:read_start",
		endName:   "memory:read_success",
	},
}

// transformLegacyEvent converts one legacy envelope into its typed timeline
// event(s). A transform failure is reported to the caller, which skips the
// row; it never aborts the whole migration.
func transformLegacyEvent(legacy legacyEvent, fallbackTime time.Time) ([]*timeline.TimelineEvent, error) {
	if legacy.Type == "" {
		return nil, fmt.Errorf("legacy event has no type")
	}
	if legacy.Name == "" {
		return nil, fmt.Errorf("legacy event %q has no name", legacy.Type)
	}

	ts := parseLegacyTime(legacy.Timestamp, fallbackTime)

	switch (legacyEventKind{Type: legacy.Type, Name: legacy.Name}) {
	case legacyEventKind{Type: "agent", Name: "start"}:
		ev := newMigratedEvent(legacy, timeline.EventTypeAgent, "agent:start", ts)
		ev.Status = timeline.StatusRunning
		ev.Input = legacyDataMap(legacy, "input")
		return []*timeline.TimelineEvent{ev}, nil

	case legacyEventKind{Type: "agent", Name: "finished"}:
		if errData := legacyDataMap(legacy, "error"); errData != nil {
			ev := newMigratedEvent(legacy, timeline.EventTypeAgent, "agent:error", ts)
			ev.Status = timeline.StatusError
			ev.Level = timeline.LevelError
			ev.Error = errData
			if msg, ok := errData["message"].(string); ok {
				ev.StatusMessage = &timeline.StatusMessage{Message: msg}
			}
			return []*timeline.TimelineEvent{ev}, nil
		}
		ev := newMigratedEvent(legacy, timeline.EventTypeAgent, "agent:success", ts)
		ev.Status = timeline.StatusCompleted
		ev.Output = legacyDataMap(legacy, "output")
		return []*timeline.TimelineEvent{ev}, nil
	}

	if spec, ok := legacyPairKinds[legacyEventKind{Type: legacy.Type, Name: legacy.Name}]; ok {
		return transformPair(legacy, spec, ts), nil
	}

	return []*timeline.TimelineEvent{transformPassthrough(legacy, ts)}, nil
}

// transformPair expands a terminal-only legacy record into a start event and
// a terminal event whose ParentEventID points at the start.
func transformPair(legacy legacyEvent, spec pairSpec, ts time.Time) []*timeline.TimelineEvent {
	start := newMigratedEvent(legacy, spec.eventType, spec.startName, ts)
	start.ID = uuid.New().String()
	start.Status = timeline.StatusRunning
	start.Input = legacyDataMap(legacy, "input")

	end := newMigratedEvent(legacy, spec.eventType, spec.endName, ts)
	end.ID = uuid.New().String()
	end.Status = timeline.StatusCompleted
	end.EndTime = &ts
	end.ParentEventID = start.ID
	end.Output = legacyDataMap(legacy, "output")

	return []*timeline.TimelineEvent{start, end}
}

// transformPassthrough renames an unrecognized legacy kind into a single
// typed event, keeping its payload in the open metadata map.
func transformPassthrough(legacy legacyEvent, ts time.Time) *timeline.TimelineEvent {
	ev := newMigratedEvent(legacy, timeline.EventType(legacy.Type), legacy.Type+":"+legacy.Name, ts)
	ev.Status = timeline.StatusIdle
	if len(legacy.Data) > 0 {
		ev.Metadata = legacy.Data
	}
	return ev
}

func newMigratedEvent(legacy legacyEvent, eventType timeline.EventType, name string, ts time.Time) *timeline.TimelineEvent {
	id := legacy.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &timeline.TimelineEvent{
		ID:        id,
		Type:      eventType,
		Name:      name,
		StartTime: ts,
		Level:     timeline.LevelInfo,
		Metadata:  legacyDataMap(legacy, "metadata"),
	}
}

// legacyDataMap extracts a nested map field from the legacy data envelope.
func legacyDataMap(legacy legacyEvent, field string) map[string]any {
	if legacy.Data == nil {
		return nil
	}
	if m, ok := legacy.Data[field].(map[string]any); ok {
		return m
	}
	return nil
}
