// ABOUTME: Tests for legacy event envelope transformation
// ABOUTME: Covers lifecycle mapping, pair expansion and passthrough renaming

package store

import (
	"testing"
	"time"

	"github.com/2389/agent-ledger/internal/timeline"
)

var transformFallback = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

func TestTransformLegacyEvent_AgentStart(t *testing.T) {
	events, err := transformLegacyEvent(legacyEvent{
		ID:        "le-1",
		Timestamp: "2025-01-02T10:00:01Z",
		Type:      "agent",
		Name:      "start",
		Data:      map[string]any{"input": map[string]any{"task": "go"}},
	}, transformFallback)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	ev := events[0]
	if ev.Name != "agent:start" || ev.Type != timeline.EventTypeAgent {
		t.Errorf("identity: name=%s type=%s", ev.Name, ev.Type)
	}
	if ev.ID != "le-1" {
		t.Errorf("ID = %q, want legacy id preserved", ev.ID)
	}
	if ev.Status != timeline.StatusRunning {
		t.Errorf("Status = %q", ev.Status)
	}
	if ev.Input["task"] != "go" {
		t.Errorf("Input = %v", ev.Input)
	}
}

func TestTransformLegacyEvent_AgentFinishedSuccess(t *testing.T) {
	events, err := transformLegacyEvent(legacyEvent{
		Type: "agent",
		Name: "finished",
		Data: map[string]any{"output": map[string]any{"text": "done"}},
	}, transformFallback)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	ev := events[0]
	if ev.Name != "agent:success" || ev.Status != timeline.StatusCompleted {
		t.Errorf("success mapping: name=%s status=%s", ev.Name, ev.Status)
	}
	if ev.Level != timeline.LevelInfo {
		t.Errorf("Level = %q", ev.Level)
	}
	if ev.Output["text"] != "done" {
		t.Errorf("Output = %v", ev.Output)
	}
	if ev.ID == "" {
		t.Error("missing legacy id must be replaced, not left empty")
	}
}

func TestTransformLegacyEvent_AgentFinishedError(t *testing.T) {
	events, err := transformLegacyEvent(legacyEvent{
		Type: "agent",
		Name: "finished",
		Data: map[string]any{"error": map[string]any{"message": "timed out", "code": "deadline"}},
	}, transformFallback)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	ev := events[0]
	if ev.Name != "agent:error" || ev.Status != timeline.StatusError {
		t.Errorf("error mapping: name=%s status=%s", ev.Name, ev.Status)
	}
	if ev.Level != timeline.LevelError {
		t.Errorf("Level = %q", ev.Level)
	}
	if ev.StatusMessage == nil || ev.StatusMessage.Message != "timed out" {
		t.Errorf("StatusMessage = %+v", ev.StatusMessage)
	}
	if ev.Error["code"] != "deadline" {
		t.Errorf("Error = %v", ev.Error)
	}
}

func TestTransformLegacyEvent_PairExpansion(t *testing.T) {
	cases := []struct {
		legacyType string
		legacyName string
		eventType  timeline.EventType
		startName  string
		endName    string
	}{
		{"tool", "tool_working", timeline.EventTypeTool, "tool:start", "tool:success"},
		{"memory", "saveMessage", timeline.EventTypeMemory, "memory:write_start", "memory:write_success"},
		{"memory", "getMessages", timeline.EventTypeMemory, "memory:read_start", "memory:read_success"},
	}

	for _, tc := range cases {
		t.Run(tc.legacyType+"/"+tc.legacyName, func(t *testing.T) {
			events, err := transformLegacyEvent(legacyEvent{
				Type: tc.legacyType,
				Name: tc.legacyName,
				Data: map[string]any{
					"input":  map[string]any{"in": 1},
					"output": map[string]any{"out": 2},
				},
			}, transformFallback)
			if err != nil {
				t.Fatalf("transform failed: %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("got %d events, want pair", len(events))
			}

			start, end := events[0], events[1]
			if start.Name != tc.startName || end.Name != tc.endName {
				t.Errorf("names: %s / %s", start.Name, end.Name)
			}
			if start.Type != tc.eventType || end.Type != tc.eventType {
				t.Errorf("types: %s / %s", start.Type, end.Type)
			}
			if start.Status != timeline.StatusRunning || end.Status != timeline.StatusCompleted {
				t.Errorf("statuses: %s / %s", start.Status, end.Status)
			}
			if end.ParentEventID != start.ID {
				t.Errorf("pair not linked: start=%s parent=%s", start.ID, end.ParentEventID)
			}
			if start.ID == end.ID {
				t.Error("pair shares one event id")
			}
			if start.Input == nil || end.Output == nil {
				t.Errorf("payloads: in=%v out=%v", start.Input, end.Output)
			}
			if end.EndTime == nil {
				t.Error("terminal event missing end time")
			}
		})
	}
}

func TestTransformLegacyEvent_PassthroughRenames(t *testing.T) {
	events, err := transformLegacyEvent(legacyEvent{
		Type: "retriever",
		Name: "query",
		Data: map[string]any{"k": "v"},
	}, transformFallback)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	ev := events[0]
	if ev.Name != "retriever:query" {
		t.Errorf("Name = %q", ev.Name)
	}
	if ev.Type != timeline.EventTypeRetriever {
		t.Errorf("Type = %q", ev.Type)
	}
	if ev.Status != timeline.StatusIdle {
		t.Errorf("Status = %q", ev.Status)
	}
	if ev.Metadata["k"] != "v" {
		t.Errorf("Metadata = %v", ev.Metadata)
	}
}

func TestTransformLegacyEvent_RejectsAnonymousEnvelopes(t *testing.T) {
	if _, err := transformLegacyEvent(legacyEvent{Name: "start"}, transformFallback); err == nil {
		t.Error("missing type accepted")
	}
	if _, err := transformLegacyEvent(legacyEvent{Type: "agent"}, transformFallback); err == nil {
		t.Error("missing name accepted")
	}
}

func TestTransformLegacyEvent_TimestampFallback(t *testing.T) {
	events, err := transformLegacyEvent(legacyEvent{
		Type:      "agent",
		Name:      "start",
		Timestamp: "certainly not a time",
	}, transformFallback)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if !events[0].StartTime.Equal(transformFallback) {
		t.Errorf("StartTime = %v, want fallback %v", events[0].StartTime, transformFallback)
	}
}
