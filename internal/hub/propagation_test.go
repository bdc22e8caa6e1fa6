// ABOUTME: Tests for hierarchical relay of history events through parent graphs
// ABOUTME: Covers synthesized event shape, cycles, diamonds and graph termination

package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/2389/agent-ledger/internal/timeline"
)

func completedEntry(agentID string) *timeline.ExecutionEntry {
	end := time.Now()
	return &timeline.ExecutionEntry{
		ID:        "hist-" + agentID,
		AgentID:   agentID,
		StartTime: end.Add(-time.Second),
		EndTime:   &end,
		Status:    timeline.StatusCompleted,
		Output:    "done",
	}
}

func TestPropagation_ChildCompletionReachesParent(t *testing.T) {
	h := New(nil)
	reg := newFakeRegistry()
	reg.add("child")
	parent := reg.add("parent")
	reg.parents["child"] = []string{"parent"}

	entry := completedEntry("child")
	entry.Events = []*timeline.TimelineEvent{
		{ID: "e1", SequenceNumber: 7},
		{ID: "e2"}, // no sequence hint; the earlier one should win
	}

	var updates []HistoryUpdate
	h.OnHistoryUpdate(func(u HistoryUpdate) { updates = append(updates, u) })

	h.EmitHierarchicalHistoryUpdate(context.Background(), "child", entry, reg)

	events := parent.history.events()
	require.Len(t, events, 1)
	got := events[0]
	assert.Equal(t, "agent:success", got.Name)
	assert.Equal(t, timeline.EventTypeAgent, got.Type)
	assert.Equal(t, timeline.StatusCompleted, got.Status)
	assert.Equal(t, timeline.LevelInfo, got.Level)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, map[string]any{
		"displayName": "child-name",
		"id":          "child",
		"agentId":     "parent",
	}, got.Metadata)

	// Raw update for the origin plus one publish-triggered update for the parent.
	require.Len(t, updates, 2)
	assert.Equal(t, "child", updates[0].AgentID)
	assert.Equal(t, int64(7), updates[0].SequenceNumber)
	assert.Equal(t, "parent", updates[1].AgentID)
}

func TestPropagation_ErrorStatusCarriesOutput(t *testing.T) {
	h := New(nil)
	reg := newFakeRegistry()
	reg.add("child")
	parent := reg.add("parent")
	reg.parents["child"] = []string{"parent"}

	entry := completedEntry("child")
	entry.Status = timeline.StatusError
	entry.Output = "tool exploded"

	h.EmitHierarchicalHistoryUpdate(context.Background(), "child", entry, reg)

	events := parent.history.events()
	require.Len(t, events, 1)
	got := events[0]
	assert.Equal(t, "agent:error", got.Name)
	assert.Equal(t, timeline.LevelError, got.Level)
	require.NotNil(t, got.StatusMessage)
	assert.Equal(t, "tool exploded", got.StatusMessage.Message)
}

func TestPropagation_EntryCreatedSynthesizesStart(t *testing.T) {
	h := New(nil)
	reg := newFakeRegistry()
	reg.add("child")
	parent := reg.add("parent")
	reg.parents["child"] = []string{"parent"}

	entry := completedEntry("child")
	entry.Status = timeline.StatusRunning
	entry.EndTime = nil

	var created []HistoryCreated
	h.OnHistoryEntryCreated(func(c HistoryCreated) { created = append(created, c) })

	h.EmitHierarchicalHistoryEntryCreated(context.Background(), "child", entry, reg)

	require.Len(t, created, 1)
	assert.Equal(t, "child", created[0].AgentID)

	events := parent.history.events()
	require.Len(t, events, 1)
	assert.Equal(t, "agent:start", events[0].Name)
	assert.Equal(t, timeline.StatusRunning, events[0].Status)
}

func TestPropagation_TwoNodeCycleRelaysBothEdges(t *testing.T) {
	h := New(nil)
	reg := newFakeRegistry()
	a := reg.add("a")
	b := reg.add("b")
	reg.parents["a"] = []string{"b"}
	reg.parents["b"] = []string{"a"}

	h.EmitHierarchicalHistoryUpdate(context.Background(), "a", completedEntry("a"), reg)

	// Edge a->b and edge b->a each relay exactly once.
	assert.Len(t, b.history.events(), 1)
	assert.Len(t, a.history.events(), 1)
}

func TestPropagation_SelfLoopRelaysOnce(t *testing.T) {
	h := New(nil)
	reg := newFakeRegistry()
	a := reg.add("a")
	reg.parents["a"] = []string{"a"}

	h.EmitHierarchicalHistoryUpdate(context.Background(), "a", completedEntry("a"), reg)

	assert.Len(t, a.history.events(), 1)
}

func TestPropagation_DiamondGrandparentHearsBothPaths(t *testing.T) {
	h := New(nil)
	reg := newFakeRegistry()
	reg.add("child")
	p1 := reg.add("p1")
	p2 := reg.add("p2")
	grand := reg.add("grand")
	reg.parents["child"] = []string{"p1", "p2"}
	reg.parents["p1"] = []string{"grand"}
	reg.parents["p2"] = []string{"grand"}

	h.EmitHierarchicalHistoryUpdate(context.Background(), "child", completedEntry("child"), reg)

	assert.Len(t, p1.history.events(), 1)
	assert.Len(t, p2.history.events(), 1)
	// One relay per incoming edge; the grandparent node itself expands once.
	assert.Len(t, grand.history.events(), 2)
}

func TestPropagation_UnregisteredParentSkipped(t *testing.T) {
	h := New(nil)
	reg := newFakeRegistry()
	reg.add("child")
	parent := reg.add("parent")
	reg.parents["child"] = []string{"ghost", "parent"}

	h.EmitHierarchicalHistoryUpdate(context.Background(), "child", completedEntry("child"), reg)

	assert.Len(t, parent.history.events(), 1)
}

func TestPropagation_UnregisteredOriginOnlyEmitsRawSignal(t *testing.T) {
	h := New(nil)
	reg := newFakeRegistry()
	parent := reg.add("parent")
	reg.parents["ghost"] = []string{"parent"}

	updates := 0
	h.OnHistoryUpdate(func(HistoryUpdate) { updates++ })

	h.EmitHierarchicalHistoryUpdate(context.Background(), "ghost", completedEntry("ghost"), reg)

	assert.Equal(t, 1, updates)
	assert.Empty(t, parent.history.events())
}

// TestPropagation_RandomGraphsTerminate drives propagation over random
// directed graphs with back-edges and checks the cycle guard: the walk
// finishes and each parent hears at most one relay per in-edge.
func TestPropagation_RandomGraphsTerminate(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(r, "nodes")

		h := New(nil)
		reg := newFakeRegistry()
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("agent-%d", i)
			reg.add(ids[i])
		}

		inEdges := make(map[string]int)
		for _, child := range ids {
			parentCount := rapid.IntRange(0, n).Draw(r, "parents-"+child)
			seen := make(map[string]bool)
			for j := 0; j < parentCount; j++ {
				parent := ids[rapid.IntRange(0, n-1).Draw(r, "edge")]
				if seen[parent] {
					continue
				}
				seen[parent] = true
				reg.parents[child] = append(reg.parents[child], parent)
				inEdges[parent]++
			}
		}

		origin := ids[rapid.IntRange(0, n-1).Draw(r, "origin")]
		h.EmitHierarchicalHistoryUpdate(context.Background(), origin, completedEntry(origin), reg)

		for _, id := range ids {
			got := len(reg.agents[id].history.events())
			if got > inEdges[id] {
				r.Fatalf("agent %s heard %d relays with only %d in-edges", id, got, inEdges[id])
			}
		}
	})
}
