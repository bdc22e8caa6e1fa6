// ABOUTME: Conversation schema migration: moves user ownership onto conversations
// ABOUTME: Legacy shape kept user_id on every message row instead of the conversation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// legacyDefaultUser is assigned to conversations whose legacy messages carry
// no user attribution.
const legacyDefaultUser = "default"

// conversationSchemaMigration rewrites the legacy conversation/message layout
// into the current one:
//
//	legacy:  conversations(id, resource_id, title, ...)            ; no user_id
//	         messages(user_id, conversation_id, message_id, ...)   ; user on each row
//	current: conversations(id, resource_id, user_id, title, ...)
//	         messages(conversation_id, message_id, ...)            ; no user_id
//
// A conversation's owner is taken from its earliest message; conversations
// without messages fall back to the default user.
func (s *SQLiteStore) conversationSchemaMigration() schemaMigration {
	return schemaMigration{
		Type:   MigrationConversationSchema,
		Tables: []string{"conversations", "messages"},
		NeedsRun: func(ctx context.Context) (bool, error) {
			convExists, err := s.tableExists(ctx, s.table("conversations"))
			if err != nil {
				return false, err
			}
			msgExists, err := s.tableExists(ctx, s.table("messages"))
			if err != nil {
				return false, err
			}
			if !convExists && !msgExists {
				return false, nil
			}

			if convExists {
				hasUser, err := s.columnExists(ctx, s.table("conversations"), "user_id")
				if err != nil {
					return false, err
				}
				if !hasUser {
					return true, nil
				}
			}
			if msgExists {
				hasUser, err := s.columnExists(ctx, s.table("messages"), "user_id")
				if err != nil {
					return false, err
				}
				if hasUser {
					return true, nil
				}
			}
			return false, nil
		},
		Apply: s.applyConversationMigration,
	}
}

// legacyConversationRow buffers one legacy conversation before rewriting.
// UserID is only populated when the source table already carries it.
type legacyConversationRow struct {
	ID         string
	ResourceID sql.NullString
	UserID     sql.NullString
	Title      sql.NullString
	Metadata   sql.NullString
	CreatedAt  sql.NullString
	UpdatedAt  sql.NullString
}

// legacyMessageRow buffers one legacy message before rewriting.
type legacyMessageRow struct {
	ConversationID string
	MessageID      string
	Role           sql.NullString
	Content        sql.NullString
	Type           sql.NullString
	CreatedAt      sql.NullString
}

func (s *SQLiteStore) applyConversationMigration(ctx context.Context, tx *sql.Tx) (int, error) {
	convTable := s.table("conversations")
	msgTable := s.table("messages")

	convLegacy, err := s.legacyConversationsShape(ctx)
	if err != nil {
		return 0, err
	}
	msgLegacy, err := s.legacyMessagesShape(ctx)
	if err != nil {
		return 0, err
	}

	// Buffer legacy rows before opening the write path: a database/sql Tx
	// holds a single connection, so reads and writes cannot interleave.
	conversations, err := s.readLegacyConversations(ctx, convLegacy)
	if err != nil {
		return 0, err
	}
	messages, err := s.readLegacyMessages(ctx)
	if err != nil {
		return 0, err
	}
	ownerByConversation, err := s.readConversationOwners(ctx, msgLegacy)
	if err != nil {
		return 0, err
	}

	createTmp := fmt.Sprintf(`
		CREATE TABLE %[1]s_migration (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE %[2]s_migration (
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			created_at TEXT NOT NULL,
			PRIMARY KEY (conversation_id, message_id)
		);
	`, convTable, msgTable)
	if _, err := tx.ExecContext(ctx, createTmp); err != nil {
		return 0, fmt.Errorf("creating migration tables: %w", err)
	}

	migrated := 0
	seenConversations := make(map[string]bool)
	insertConv := fmt.Sprintf(`
		INSERT INTO %s_migration (id, resource_id, user_id, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, convTable)

	for _, row := range conversations {
		if row.ID == "" {
			s.logger.Warn("skipping legacy conversation without id")
			continue
		}
		if seenConversations[row.ID] {
			continue
		}
		seenConversations[row.ID] = true

		userID := row.UserID.String
		if userID == "" {
			userID = ownerByConversation[row.ID]
		}
		if userID == "" {
			userID = legacyDefaultUser
		}
		if row.CreatedAt.String == "" {
			s.logger.Warn("skipping legacy conversation with no created_at", "conversation_id", row.ID)
			continue
		}
		// Normalize whatever layout the legacy writer used; readers parse
		// strictly.
		createdAt := parseLegacyTime(row.CreatedAt.String, time.Time{})
		if createdAt.IsZero() {
			s.logger.Warn("skipping legacy conversation with unparseable created_at",
				"conversation_id", row.ID, "created_at", row.CreatedAt.String)
			continue
		}
		updatedAt := createdAt
		if row.UpdatedAt.String != "" {
			updatedAt = parseLegacyTime(row.UpdatedAt.String, createdAt)
		}

		_, err := tx.ExecContext(ctx, insertConv,
			row.ID, row.ResourceID.String, userID,
			nullString(row.Title.String), nullString(row.Metadata.String),
			createdAt.UTC().Format(timeFormat), updatedAt.UTC().Format(timeFormat))
		if err != nil {
			s.logger.Warn("skipping unmigratable conversation", "conversation_id", row.ID, "error", err)
			continue
		}
		migrated++
	}

	seenMessages := make(map[string]bool)
	insertMsg := fmt.Sprintf(`
		INSERT INTO %s_migration (conversation_id, message_id, role, content, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msgTable)

	for _, row := range messages {
		if row.ConversationID == "" || row.MessageID == "" {
			s.logger.Warn("skipping legacy message without identity")
			continue
		}
		key := row.ConversationID + "|" + row.MessageID
		if seenMessages[key] {
			continue
		}
		seenMessages[key] = true

		msgType := row.Type.String
		if msgType == "" {
			msgType = "text"
		}
		if row.CreatedAt.String == "" {
			s.logger.Warn("skipping legacy message with no created_at",
				"conversation_id", row.ConversationID, "message_id", row.MessageID)
			continue
		}
		createdAt := parseLegacyTime(row.CreatedAt.String, time.Time{})
		if createdAt.IsZero() {
			s.logger.Warn("skipping legacy message with unparseable created_at",
				"conversation_id", row.ConversationID, "message_id", row.MessageID)
			continue
		}

		_, err := tx.ExecContext(ctx, insertMsg,
			row.ConversationID, row.MessageID,
			row.Role.String, row.Content.String, msgType, createdAt.UTC().Format(timeFormat))
		if err != nil {
			s.logger.Warn("skipping unmigratable message",
				"conversation_id", row.ConversationID, "message_id", row.MessageID, "error", err)
			continue
		}
		migrated++
	}

	swap := fmt.Sprintf(`
		DROP TABLE %[1]s;
		DROP TABLE %[2]s;
		ALTER TABLE %[1]s_migration RENAME TO %[1]s;
		ALTER TABLE %[2]s_migration RENAME TO %[2]s;
		CREATE INDEX IF NOT EXISTS idx_%[1]s_resource ON %[1]s(resource_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(user_id);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_lookup ON %[2]s(conversation_id, created_at);
	`, convTable, msgTable)
	if _, err := tx.ExecContext(ctx, swap); err != nil {
		return 0, fmt.Errorf("swapping migrated tables: %w", err)
	}

	return migrated, nil
}

func (s *SQLiteStore) legacyConversationsShape(ctx context.Context) (bool, error) {
	exists, err := s.tableExists(ctx, s.table("conversations"))
	if err != nil || !exists {
		return false, err
	}
	hasUser, err := s.columnExists(ctx, s.table("conversations"), "user_id")
	if err != nil {
		return false, err
	}
	return !hasUser, nil
}

func (s *SQLiteStore) legacyMessagesShape(ctx context.Context) (bool, error) {
	exists, err := s.tableExists(ctx, s.table("messages"))
	if err != nil || !exists {
		return false, err
	}
	return s.columnExists(ctx, s.table("messages"), "user_id")
}

func (s *SQLiteStore) readLegacyConversations(ctx context.Context, legacy bool) ([]legacyConversationRow, error) {
	// The legacy table has no user_id column, so the column list differs.
	var query string
	if legacy {
		query = fmt.Sprintf(`
			SELECT id, resource_id, NULL, title, metadata, created_at, updated_at FROM %s
		`, s.table("conversations"))
	} else {
		query = fmt.Sprintf(`
			SELECT id, resource_id, user_id, title, metadata, created_at, updated_at FROM %s
		`, s.table("conversations"))
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading legacy conversations: %w", err)
	}
	defer rows.Close()

	var out []legacyConversationRow
	for rows.Next() {
		var r legacyConversationRow
		if err := rows.Scan(&r.ID, &r.ResourceID, &r.UserID, &r.Title, &r.Metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning legacy conversation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) readLegacyMessages(ctx context.Context) ([]legacyMessageRow, error) {
	// Very old message tables predate the type column.
	hasType, err := s.columnExists(ctx, s.table("messages"), "type")
	if err != nil {
		return nil, err
	}
	typeCol := "type"
	if !hasType {
		typeCol = "'text'"
	}
	query := fmt.Sprintf(`
		SELECT conversation_id, message_id, role, content, %s, created_at FROM %s
	`, typeCol, s.table("messages"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading legacy messages: %w", err)
	}
	defer rows.Close()

	var out []legacyMessageRow
	for rows.Next() {
		var r legacyMessageRow
		if err := rows.Scan(&r.ConversationID, &r.MessageID, &r.Role, &r.Content, &r.Type, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning legacy message: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// readConversationOwners maps each conversation to the user attributed to
// its earliest legacy message.
func (s *SQLiteStore) readConversationOwners(ctx context.Context, msgLegacy bool) (map[string]string, error) {
	owners := make(map[string]string)
	if !msgLegacy {
		return owners, nil
	}

	query := fmt.Sprintf(`
		SELECT conversation_id, user_id, MIN(created_at)
		FROM %s
		GROUP BY conversation_id
	`, s.table("messages"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading conversation owners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID string
		var userID, minCreated sql.NullString
		if err := rows.Scan(&convID, &userID, &minCreated); err != nil {
			return nil, fmt.Errorf("scanning conversation owner: %w", err)
		}
		if userID.Valid {
			owners[convID] = userID.String
		}
	}
	return owners, rows.Err()
}
