// ABOUTME: Tests for schema migration, idempotency flags, backups and restore
// ABOUTME: Legacy fixtures are written with raw SQL, then migrated on store open

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/2389/agent-ledger/internal/timeline"
)

// seedLegacyDB runs the given statements against a fresh database file so a
// subsequent NewSQLiteStore sees a legacy layout.
func seedLegacyDB(t *testing.T, path string, stmts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening fixture db: %v", err)
	}
	defer db.Close()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seeding fixture: %v\nstatement: %s", err, stmt)
		}
	}
}

const legacyConversationsDDL = `
	CREATE TABLE agent_ledger_conversations (
		id TEXT PRIMARY KEY,
		resource_id TEXT,
		title TEXT,
		metadata TEXT,
		created_at TEXT,
		updated_at TEXT
	);
	CREATE TABLE agent_ledger_messages (
		user_id TEXT,
		conversation_id TEXT,
		message_id TEXT,
		role TEXT,
		content TEXT,
		type TEXT,
		created_at TEXT
	);
`

func TestConversationMigration_LegacyLayout(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDB(t, dbPath, legacyConversationsDDL,
		`INSERT INTO agent_ledger_conversations VALUES
			('conv-1', 'res-1', 'First', NULL, '2025-01-02T10:00:00Z', '2025-01-02T11:00:00Z'),
			('conv-2', 'res-1', 'Orphan', NULL, '2025-01-03 09:30:00', NULL)`,
		`INSERT INTO agent_ledger_messages VALUES
			('alice', 'conv-1', 'msg-2', 'assistant', 'hi back', 'text', '2025-01-02T10:01:00Z'),
			('bob',   'conv-1', 'msg-1', 'user', 'hi', 'text', '2025-01-02T10:00:30Z')`,
	)

	store := newTestStoreAt(t, dbPath)
	ctx := context.Background()

	// Ownership comes from the earliest message's user.
	conv, err := store.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.UserID != "bob" {
		t.Errorf("UserID = %q, want bob (earliest message)", conv.UserID)
	}
	if conv.Title != "First" {
		t.Errorf("Title = %q", conv.Title)
	}

	// Message-less conversations fall back to the default user, and a
	// missing updated_at inherits created_at.
	orphan, err := store.GetConversation(ctx, "conv-2")
	if err != nil {
		t.Fatalf("GetConversation orphan failed: %v", err)
	}
	if orphan.UserID != legacyDefaultUser {
		t.Errorf("orphan UserID = %q, want %q", orphan.UserID, legacyDefaultUser)
	}
	if !orphan.UpdatedAt.Equal(orphan.CreatedAt) {
		t.Errorf("orphan UpdatedAt = %v, want %v", orphan.UpdatedAt, orphan.CreatedAt)
	}

	// Messages survive without per-row user attribution.
	msgs, err := store.GetMessages(ctx, "conv-1", MessageQuery{})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].MessageID != "msg-1" || msgs[1].MessageID != "msg-2" {
		t.Errorf("messages = %v", msgs)
	}

	// The default options keep a pre-migration backup around.
	for _, table := range []string{"agent_ledger_conversations_backup", "agent_ledger_messages_backup"} {
		exists, err := store.tableExists(ctx, table)
		if err != nil {
			t.Fatalf("tableExists failed: %v", err)
		}
		if !exists {
			t.Errorf("backup table %s missing", table)
		}
	}
}

func TestConversationMigration_SkipsBadRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDB(t, dbPath, legacyConversationsDDL,
		`INSERT INTO agent_ledger_conversations VALUES
			('conv-ok', 'res-1', 'Good', NULL, '2025-01-02T10:00:00Z', '2025-01-02T10:00:00Z'),
			('', 'res-1', 'No id', NULL, '2025-01-02T10:00:00Z', NULL),
			('conv-no-time', 'res-1', 'No created_at', NULL, NULL, NULL)`,
	)

	store := newTestStoreAt(t, dbPath)
	ctx := context.Background()

	if _, err := store.GetConversation(ctx, "conv-ok"); err != nil {
		t.Errorf("good row lost: %v", err)
	}
	if _, err := store.GetConversation(ctx, "conv-no-time"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("bad row migrated: %v", err)
	}

	convs, err := store.QueryConversations(ctx, ConversationQuery{})
	if err != nil {
		t.Fatalf("QueryConversations failed: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("got %d conversations, want 1", len(convs))
	}
}

func TestMigration_RerunShortCircuits(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDB(t, dbPath, legacyConversationsDDL,
		`INSERT INTO agent_ledger_conversations VALUES
			('conv-1', 'res-1', 'First', NULL, '2025-01-02T10:00:00Z', '2025-01-02T10:00:00Z')`,
	)

	store := newTestStoreAt(t, dbPath)
	ctx := context.Background()

	res := store.MigrateConversationSchema(ctx, DefaultMigrationOptions())
	if !res.Success {
		t.Fatalf("rerun failed: %v", res.Error)
	}
	if res.MigratedCount != 0 {
		t.Errorf("rerun MigratedCount = %d, want 0", res.MigratedCount)
	}

	// Contents unchanged by the rerun.
	if _, err := store.GetConversation(ctx, "conv-1"); err != nil {
		t.Errorf("conversation lost after rerun: %v", err)
	}
}

func TestMigration_FreshSchemaSetsFlagWithoutRewrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, mt := range []string{MigrationConversationSchema, MigrationAgentHistorySchema} {
		done, err := store.migrationCompleted(ctx, mt)
		if err != nil {
			t.Fatalf("migrationCompleted failed: %v", err)
		}
		if !done {
			t.Errorf("flag for %s not recorded on fresh schema", mt)
		}
	}

	// No backup is taken when the target shape is already in place.
	exists, err := store.tableExists(ctx, "agent_ledger_conversations_backup")
	if err != nil {
		t.Fatalf("tableExists failed: %v", err)
	}
	if exists {
		t.Error("unexpected backup on fresh schema")
	}
}

const legacyHistoryDDL = `
	CREATE TABLE agent_ledger_agent_history (
		key TEXT PRIMARY KEY,
		value TEXT
	);
`

func TestHistoryMigration_LegacyBlobLayout(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDB(t, dbPath, legacyHistoryDDL,
		`INSERT INTO agent_ledger_agent_history VALUES ('run-1', '{
			"id": "run-1",
			"agent_id": "agent-1",
			"timestamp": "2025-01-02T10:00:00Z",
			"end_time": "2025-01-02 10:05:00",
			"status": "completed",
			"input": {"task": "summarize"},
			"output": "summary text",
			"usage": {"promptTokens": 3, "completionTokens": 2, "totalTokens": 5},
			"steps": [{"key": "plan", "value": "draft"}],
			"events": [
				{"id": "le-1", "timestamp": "2025-01-02T10:00:01Z", "type": "agent", "name": "start", "data": {"input": {"task": "summarize"}}},
				{"timestamp": "2025-01-02T10:00:02Z", "type": "tool", "name": "tool_working", "data": {"input": {"q": "x"}, "output": {"r": "y"}}},
				{"id": "le-3", "timestamp": "2025-01-02T10:00:03Z", "type": "agent", "name": "finished", "data": {"output": {"text": "summary text"}}}
			]
		}')`,
	)

	store := newTestStoreAt(t, dbPath)
	ctx := context.Background()

	entry, err := store.GetHistoryEntry(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetHistoryEntry failed: %v", err)
	}
	if entry.AgentID != "agent-1" || entry.Status != timeline.StatusCompleted {
		t.Errorf("entry mismatch: %+v", entry)
	}
	if entry.Output != "summary text" {
		t.Errorf("Output = %q", entry.Output)
	}
	if entry.EndTime == nil {
		t.Error("EndTime lost in migration")
	}
	if entry.Usage == nil || entry.Usage.TotalTokens != 5 {
		t.Errorf("Usage = %+v", entry.Usage)
	}
	if len(entry.Steps) != 1 || entry.Steps[0].Key != "plan" {
		t.Errorf("Steps = %+v", entry.Steps)
	}

	// agent/start (1) + tool_working pair (2) + agent/finished (1).
	if len(entry.Events) != 4 {
		t.Fatalf("got %d events, want 4", len(entry.Events))
	}

	byName := make(map[string]*timeline.TimelineEvent)
	for _, ev := range entry.Events {
		byName[ev.Name] = ev
	}

	if start := byName["agent:start"]; start == nil || start.ID != "le-1" || start.Status != timeline.StatusRunning {
		t.Errorf("agent:start = %+v", start)
	}
	if success := byName["agent:success"]; success == nil || success.Status != timeline.StatusCompleted {
		t.Errorf("agent:success = %+v", success)
	}

	toolStart := byName["tool:start"]
	toolEnd := byName["tool:success"]
	if toolStart == nil || toolEnd == nil {
		t.Fatalf("tool pair missing: %v", byName)
	}
	if toolEnd.ParentEventID != toolStart.ID {
		t.Errorf("tool pair not linked: start=%s parent=%s", toolStart.ID, toolEnd.ParentEventID)
	}
	if toolStart.Input["q"] != "x" || toolEnd.Output["r"] != "y" {
		t.Errorf("tool payloads: in=%v out=%v", toolStart.Input, toolEnd.Output)
	}
}

func TestHistoryMigration_SkipsBadRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDB(t, dbPath, legacyHistoryDDL,
		`INSERT INTO agent_ledger_agent_history VALUES
			('run-ok', '{"id": "run-ok", "agent_id": "agent-1", "timestamp": "2025-01-02T10:00:00Z", "status": "completed"}'),
			('run-bad-json', 'not json at all'),
			('run-no-agent', '{"id": "run-no-agent", "timestamp": "2025-01-02T10:00:00Z"}')`,
	)

	store := newTestStoreAt(t, dbPath)
	ctx := context.Background()

	if _, err := store.GetHistoryEntry(ctx, "run-ok"); err != nil {
		t.Errorf("good row lost: %v", err)
	}
	if _, err := store.GetHistoryEntry(ctx, "run-no-agent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("agent-less row migrated: %v", err)
	}

	entries, err := store.GetHistoryByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetHistoryByAgent failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
}

func TestHistoryMigration_DeduplicatesByEntryID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDB(t, dbPath, legacyHistoryDDL,
		`INSERT INTO agent_ledger_agent_history VALUES
			('key-a', '{"id": "run-1", "agent_id": "agent-1", "timestamp": "2025-01-02T10:00:00Z", "status": "completed"}'),
			('key-b', '{"id": "run-1", "agent_id": "agent-1", "timestamp": "2025-01-02T10:00:00Z", "status": "completed"}')`,
	)

	store := newTestStoreAt(t, dbPath)

	entries, err := store.GetHistoryByAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetHistoryByAgent failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
}

func TestRestoreFromBackup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDB(t, dbPath, legacyConversationsDDL,
		`INSERT INTO agent_ledger_conversations VALUES
			('conv-1', 'res-1', 'First', NULL, '2025-01-02T10:00:00Z', '2025-01-02T10:00:00Z')`,
	)

	store := newTestStoreAt(t, dbPath)
	ctx := context.Background()

	// Sanity: migrated shape has user_id.
	hasUser, err := store.columnExists(ctx, "agent_ledger_conversations", "user_id")
	if err != nil {
		t.Fatalf("columnExists failed: %v", err)
	}
	if !hasUser {
		t.Fatal("migration did not run")
	}

	if err := store.RestoreFromBackup(ctx, "conversations", "messages"); err != nil {
		t.Fatalf("RestoreFromBackup failed: %v", err)
	}

	// The live tables are the pre-migration snapshots again.
	hasUser, err = store.columnExists(ctx, "agent_ledger_conversations", "user_id")
	if err != nil {
		t.Fatalf("columnExists failed: %v", err)
	}
	if hasUser {
		t.Error("restore did not bring back the legacy shape")
	}
	exists, err := store.tableExists(ctx, "agent_ledger_conversations_backup")
	if err != nil {
		t.Fatalf("tableExists failed: %v", err)
	}
	if exists {
		t.Error("backup table still present after restore")
	}
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	store := newTestStore(t)

	err := store.RestoreFromBackup(context.Background(), "conversations", "messages")
	if !errors.Is(err, ErrNoBackup) {
		t.Errorf("err = %v, want ErrNoBackup", err)
	}
}

func TestRestoreFromBackup_AllOrNothing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDB(t, dbPath, legacyConversationsDDL,
		`INSERT INTO agent_ledger_conversations VALUES
			('conv-1', 'res-1', 'First', NULL, '2025-01-02T10:00:00Z', '2025-01-02T10:00:00Z')`,
	)

	store := newTestStoreAt(t, dbPath)
	ctx := context.Background()

	// Drop one of the two backups; the restore must refuse to touch anything.
	if err := store.dropBackups(ctx, []string{"messages"}); err != nil {
		t.Fatalf("dropBackups failed: %v", err)
	}

	err := store.RestoreFromBackup(ctx, "conversations", "messages")
	if !errors.Is(err, ErrNoBackup) {
		t.Fatalf("err = %v, want ErrNoBackup", err)
	}

	// Live table untouched: still migrated shape.
	hasUser, err := store.columnExists(ctx, "agent_ledger_conversations", "user_id")
	if err != nil {
		t.Fatalf("columnExists failed: %v", err)
	}
	if !hasUser {
		t.Error("partial restore mutated live tables")
	}
}

func TestNewSQLiteStore_LegacyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacyDB(t, dbPath, legacyConversationsDDL, legacyHistoryDDL,
		`INSERT INTO agent_ledger_conversations VALUES
			('conv-1', 'res-1', 'First', NULL, '2025-01-02T10:00:00Z', '2025-01-02T11:00:00Z')`,
	)

	// Opening over legacy tables must not touch columns the migrations have
	// not introduced yet; index DDL waits until the rewrite settles.
	store := newTestStoreAt(t, dbPath)
	ctx := context.Background()

	if _, err := store.GetConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("GetConversation after legacy open failed: %v", err)
	}

	for _, index := range []string{
		"idx_agent_ledger_conversations_user",
		"idx_agent_ledger_agent_history_agent",
		"idx_agent_ledger_timeline_events_history",
	} {
		var n int
		err := store.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?`, index).Scan(&n)
		if err != nil {
			t.Fatalf("inspecting index %s: %v", index, err)
		}
		if n == 0 {
			t.Errorf("index %s missing after legacy open", index)
		}
	}
}
