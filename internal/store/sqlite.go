// ABOUTME: SQLite implementation of the TimelineStore using modernc.org/sqlite
// ABOUTME: Owns schema creation, table prefixing, and automatic migration on open

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	// DefaultTablePrefix namespaces all agent-ledger tables.
	DefaultTablePrefix = "agent_ledger"
	// DefaultStorageLimit is the number of messages retained per conversation.
	DefaultStorageLimit = 100
)

// Options configures a SQLiteStore.
type Options struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string
	// TablePrefix namespaces tables; defaults to DefaultTablePrefix.
	TablePrefix string
	// StorageLimit is the per-conversation message cap; defaults to
	// DefaultStorageLimit. Oldest messages are pruned first.
	StorageLimit int
	// Debug enables verbose query logging.
	Debug bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// SQLiteStore implements TimelineStore using SQLite
type SQLiteStore struct {
	db           *sql.DB
	prefix       string
	storageLimit int
	debug        bool
	logger       *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at opts.Path,
// creates the schema if absent, and runs pending schema migrations.
// Parent directories are created if needed.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if opts.TablePrefix == "" {
		opts.TablePrefix = DefaultTablePrefix
	}
	if opts.StorageLimit <= 0 {
		opts.StorageLimit = DefaultStorageLimit
	}

	if opts.Path != ":memory:" {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		prefix:       opts.TablePrefix,
		storageLimit: opts.StorageLimit,
		debug:        opts.Debug,
		logger:       logger,
	}

	// Table creation is idempotent and always runs before any migration
	// check; on a legacy database the existing tables are left untouched
	// for the migrations to rewrite. Indexes wait until the migrations have
	// settled every table into its current shape.
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	ctx := context.Background()
	for _, m := range s.migrations() {
		res := s.runMigration(ctx, m, DefaultMigrationOptions())
		if !res.Success {
			db.Close()
			return nil, fmt.Errorf("running %s migration: %w", m.Type, res.Error)
		}
		if res.MigratedCount > 0 {
			logger.Info("schema migration applied",
				"migration", m.Type,
				"migrated_count", res.MigratedCount,
				"backup_created", res.BackupCreated)
		}
	}

	if err := s.createIndexes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("SQLite store initialized", "path", opts.Path, "prefix", opts.TablePrefix)
	return s, nil
}

// table returns the prefixed physical name for a logical table.
func (s *SQLiteStore) table(name string) string {
	return s.prefix + "_" + name
}

// createTables creates the database tables if they don't exist. Indexes are
// created separately: on a legacy database CREATE TABLE IF NOT EXISTS leaves
// the old shape in place, and index DDL against columns the migrations have
// not introduced yet would fail.
func (s *SQLiteStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s_conversations (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[1]s_messages (
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			created_at TEXT NOT NULL,
			PRIMARY KEY (conversation_id, message_id)
		);

		CREATE TABLE IF NOT EXISTS %[1]s_agent_history (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			end_time TEXT,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			usage TEXT,
			metadata TEXT
		);

		CREATE TABLE IF NOT EXISTS %[1]s_agent_history_steps (
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			history_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			PRIMARY KEY (history_id, key)
		);

		CREATE TABLE IF NOT EXISTS %[1]s_timeline_events (
			id TEXT PRIMARY KEY,
			history_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_name TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			status TEXT,
			status_message TEXT,
			level TEXT,
			version TEXT,
			parent_event_id TEXT,
			tags TEXT,
			input TEXT,
			output TEXT,
			error TEXT,
			metadata TEXT
		);

		CREATE TABLE IF NOT EXISTS %[1]s_migration_flags (
			migration_type TEXT PRIMARY KEY UNIQUE,
			completed_at TEXT NOT NULL,
			migrated_count INTEGER NOT NULL DEFAULT 0
		);
	`, s.prefix)

	_, err := s.db.Exec(schema)
	return err
}

// createIndexes builds the lookup indexes. Runs after the migration loop, so
// every table is in the current shape by the time the DDL executes.
func (s *SQLiteStore) createIndexes() error {
	schema := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%[1]s_conversations_resource
			ON %[1]s_conversations(resource_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_conversations_user
			ON %[1]s_conversations(user_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_messages_lookup
			ON %[1]s_messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_agent_history_agent
			ON %[1]s_agent_history(agent_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_agent_history_steps_history
			ON %[1]s_agent_history_steps(history_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_timeline_events_history
			ON %[1]s_timeline_events(history_id, start_time);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_timeline_events_agent
			ON %[1]s_timeline_events(agent_id);
	`, s.prefix)

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// logQuery emits verbose query logging when debug mode is on.
func (s *SQLiteStore) logQuery(op string, args ...any) {
	if s.debug {
		s.logger.Debug("query", append([]any{"op", op}, args...)...)
	}
}

// tableExists reports whether the given physical table exists.
func (s *SQLiteStore) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return n > 0, nil
}

// columnExists reports whether a column is present on a physical table.
func (s *SQLiteStore) columnExists(ctx context.Context, table, column string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspecting %s.%s: %w", table, column, err)
	}
	return true, nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements TimelineStore
var _ TimelineStore = (*SQLiteStore)(nil)
