// Package store provides persistent storage for agent execution history
// using SQLite.
//
// # Architecture
//
// SQLiteStore implements the TimelineStore interface in a single struct.
// Operations split into three groups:
//
//   - History: execution entries, their ordered steps, and timeline events
//   - Conversations: conversation metadata and capped message lists
//   - Migration: schema upgrades with backup, idempotency flags and rollback
//
// All table names are namespaced by a configurable prefix so a ledger can
// share a database file with its host application.
//
// # Data Models
//
//   - timeline.ExecutionEntry: one agent run with steps and events attached
//   - timeline.HistoryStep: ordered key/value context for an entry
//   - timeline.TimelineEvent: one operation inside a run (tool call, memory
//     access, agent lifecycle)
//   - Conversation / ConversationMessage: user-facing chat persistence
//
// Structured fields (inputs, outputs, metadata, usage) are stored as JSON
// text columns; timestamps are stored as RFC 3339 text.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Schema Migration
//
// NewSQLiteStore detects legacy single-column layouts and migrates them in
// place: conversations gain per-user ownership, and JSON-blob history rows
// explode into the structured entry/step/event tables. Each migration is
// guarded by a flag row so it runs at most once, optionally snapshots the
// affected tables to *_backup copies first, and can be reverted with
// RestoreFromBackup.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConversationNotFound: conversation missing or owned by another user
//   - ErrNoBackup: restore requested but no backup tables exist
package store
