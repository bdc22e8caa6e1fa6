// Package hub provides in-process pub/sub for agent lifecycle and history
// events.
//
// # Overview
//
// The Hub carries four typed signals: agent registered, agent unregistered,
// history entry created, and history update. Listeners subscribe with On*
// methods and receive events synchronously, in subscription order; a
// panicking listener is recovered and logged so it never takes down an emit.
//
// Subscribe calls return an unsubscribe closure:
//
//	off := h.OnHistoryUpdate(func(u hub.HistoryUpdate) { ... })
//	defer off()
//
// # Hierarchical Propagation
//
// EmitHierarchicalHistoryUpdate and EmitHierarchicalHistoryEntryCreated walk
// the agent parent graph after the raw emit, persisting a synthesized
// lifecycle event into each ancestor's own history so parent timelines show
// sub-agent activity. A visited set bounds the walk on cyclic graphs: every
// agent's parents are expanded at most once per emit.
package hub
