// ABOUTME: Generic schema migration engine with idempotency flags and backups
// ABOUTME: Migrations are data: shape check + transactional apply, shared runner

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration type identifiers, also the migration_flags primary keys.
const (
	MigrationConversationSchema = "conversations_schema"
	MigrationAgentHistorySchema = "agent_history_schema"
)

// schemaMigration describes one migration as data rather than control flow:
// the flag key, the live tables it rewrites (used for backup/restore), a
// shape inspection deciding whether legacy data remains, and the
// transactional apply step.
type schemaMigration struct {
	// Type is the idempotency-flag key.
	Type string
	// Tables are the logical live tables the migration rewrites.
	Tables []string
	// NeedsRun inspects the current table shape. False means the target
	// shape is already in place and no legacy shape remains.
	NeedsRun func(ctx context.Context) (bool, error)
	// Apply streams legacy rows into temporary target-shape tables, drops
	// the legacy tables, and renames the temporaries into the live names.
	// It runs inside one transaction; the rename only happens after every
	// copy succeeded, so a rollback leaves the legacy tables untouched.
	// Returns the number of migrated rows.
	Apply func(ctx context.Context, tx *sql.Tx) (int, error)
}

// migrations returns the migrations in the order they run on store open.
func (s *SQLiteStore) migrations() []schemaMigration {
	return []schemaMigration{
		s.conversationSchemaMigration(),
		s.agentHistorySchemaMigration(),
	}
}

// MigrateConversationSchema runs the conversation/message table migration
// explicitly. Safe to call repeatedly: completed migrations short-circuit
// with MigratedCount=0.
func (s *SQLiteStore) MigrateConversationSchema(ctx context.Context, opts MigrationOptions) MigrationResult {
	return s.runMigration(ctx, s.conversationSchemaMigration(), opts)
}

// MigrateAgentHistorySchema runs the agent-history log migration explicitly.
func (s *SQLiteStore) MigrateAgentHistorySchema(ctx context.Context, opts MigrationOptions) MigrationResult {
	return s.runMigration(ctx, s.agentHistorySchemaMigration(), opts)
}

// runMigration is the shared migration procedure: flag short-circuit, shape
// inspection, optional backup, one transaction around the apply step, then
// flag upsert and optional backup cleanup.
func (s *SQLiteStore) runMigration(ctx context.Context, m schemaMigration, opts MigrationOptions) MigrationResult {
	done, err := s.migrationCompleted(ctx, m.Type)
	if err != nil {
		return MigrationResult{Error: fmt.Errorf("checking %s migration flag: %w", m.Type, err)}
	}
	if done {
		s.logger.Debug("migration already completed", "migration", m.Type)
		return MigrationResult{Success: true}
	}

	needed, err := m.NeedsRun(ctx)
	if err != nil {
		return MigrationResult{Error: fmt.Errorf("inspecting schema for %s: %w", m.Type, err)}
	}
	if !needed {
		if err := s.setMigrationFlag(ctx, m.Type, 0); err != nil {
			return MigrationResult{Error: fmt.Errorf("recording %s migration flag: %w", m.Type, err)}
		}
		return MigrationResult{Success: true}
	}

	backupCreated := false
	if opts.CreateBackup {
		if err := s.createBackups(ctx, m.Tables); err != nil {
			return MigrationResult{Error: fmt.Errorf("creating backup for %s: %w", m.Type, err)}
		}
		backupCreated = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MigrationResult{BackupCreated: backupCreated,
			Error: fmt.Errorf("starting %s migration: %w", m.Type, err)}
	}

	count, err := m.Apply(ctx, tx)
	if err != nil {
		tx.Rollback()
		return MigrationResult{BackupCreated: backupCreated,
			Error: fmt.Errorf("applying %s migration: %w", m.Type, err)}
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return MigrationResult{BackupCreated: backupCreated,
			Error: fmt.Errorf("committing %s migration: %w", m.Type, err)}
	}

	if err := s.setMigrationFlag(ctx, m.Type, count); err != nil {
		return MigrationResult{BackupCreated: backupCreated,
			Error: fmt.Errorf("recording %s migration flag: %w", m.Type, err)}
	}

	if opts.DeleteBackupAfterMigration && backupCreated {
		if err := s.dropBackups(ctx, m.Tables); err != nil {
			s.logger.Warn("failed to drop migration backup", "migration", m.Type, "error", err)
		} else {
			backupCreated = false
		}
	}

	s.logger.Info("migration completed", "migration", m.Type, "migrated_count", count)
	return MigrationResult{Success: true, MigratedCount: count, BackupCreated: backupCreated}
}

// migrationCompleted reports whether the flag for this migration type exists.
func (s *SQLiteStore) migrationCompleted(ctx context.Context, migrationType string) (bool, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE migration_type = ?`, s.table("migration_flags"))
	if err := s.db.QueryRowContext(ctx, query, migrationType).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// setMigrationFlag upserts the idempotency record for a migration type.
func (s *SQLiteStore) setMigrationFlag(ctx context.Context, migrationType string, migratedCount int) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (migration_type, completed_at, migrated_count)
		VALUES (?, ?, ?)
		ON CONFLICT(migration_type) DO UPDATE SET
			completed_at = excluded.completed_at,
			migrated_count = excluded.migrated_count
	`, s.table("migration_flags"))

	_, err := s.db.ExecContext(ctx, query,
		migrationType,
		time.Now().UTC().Format(timeFormat),
		migratedCount,
	)
	return err
}

// createBackups snapshots each live table into {table}_backup via full copy,
// dropping any stale backup first.
func (s *SQLiteStore) createBackups(ctx context.Context, tables []string) error {
	for _, t := range tables {
		live := s.table(t)
		backup := live + "_backup"

		exists, err := s.tableExists(ctx, live)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}

		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, backup)); err != nil {
			return fmt.Errorf("dropping stale backup %s: %w", backup, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM %s`, backup, live)); err != nil {
			return fmt.Errorf("snapshotting %s: %w", live, err)
		}
		s.logger.Debug("created backup table", "table", backup)
	}
	return nil
}

// dropBackups removes the backup tables for the given logical names.
func (s *SQLiteStore) dropBackups(ctx context.Context, tables []string) error {
	for _, t := range tables {
		backup := s.table(t) + "_backup"
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, backup)); err != nil {
			return fmt.Errorf("dropping backup %s: %w", backup, err)
		}
	}
	return nil
}

// RestoreFromBackup replaces the live tables with their backups, the
// documented recovery procedure when a forward migration produced bad data.
// Every named logical table must have a backup or the restore fails before
// touching anything. The drop and rename run in one transaction.
func (s *SQLiteStore) RestoreFromBackup(ctx context.Context, tables ...string) error {
	for _, t := range tables {
		exists, err := s.tableExists(ctx, s.table(t)+"_backup")
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("restoring %s: %w", t, ErrNoBackup)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting restore: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tables {
		live := s.table(t)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, live)); err != nil {
			return fmt.Errorf("dropping live table %s: %w", live, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s_backup RENAME TO %s`, live, live)); err != nil {
			return fmt.Errorf("renaming backup into %s: %w", live, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing restore: %w", err)
	}

	s.logger.Info("restored tables from backup", "tables", tables)
	return nil
}
