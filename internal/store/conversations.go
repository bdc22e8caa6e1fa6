// ABOUTME: Conversation and message persistence with pagination and FIFO pruning
// ABOUTME: User-scoped reads treat another user's conversation as not found

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// conversationSortColumns whitelists ORDER BY targets for QueryConversations.
var conversationSortColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"title":      true,
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	metadata, err := marshalJSON(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encoding conversation metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, resource_id, user_id, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.table("conversations"))

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.ResourceID,
		conv.UserID,
		nullString(conv.Title),
		metadata,
		conv.CreatedAt.UTC().Format(timeFormat),
		conv.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logQuery("create_conversation", "id", conv.ID, "user_id", conv.UserID)
	return nil
}

// GetConversation retrieves a conversation by id.
// Returns ErrConversationNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := fmt.Sprintf(`
		SELECT id, resource_id, user_id, title, metadata, created_at, updated_at
		FROM %s WHERE id = ?
	`, s.table("conversations"))

	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// GetUserConversation retrieves a conversation scoped to a user. A
// conversation owned by a different user behaves exactly like a missing one.
func (s *SQLiteStore) GetUserConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	query := fmt.Sprintf(`
		SELECT id, resource_id, user_id, title, metadata, created_at, updated_at
		FROM %s WHERE id = ? AND user_id = ?
	`, s.table("conversations"))

	return s.scanConversation(s.db.QueryRowContext(ctx, query, conversationID, userID))
}

// QueryConversations lists conversations with optional user/resource filters,
// pagination, and a whitelisted sort column/direction.
func (s *SQLiteStore) QueryConversations(ctx context.Context, q ConversationQuery) ([]*Conversation, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = "updated_at"
	}
	if !conversationSortColumns[orderBy] {
		return nil, fmt.Errorf("invalid sort column %q", q.OrderBy)
	}
	direction := q.Direction
	if direction == "" {
		direction = SortDesc
	}
	if direction != SortAsc && direction != SortDesc {
		return nil, fmt.Errorf("invalid sort direction %q", q.Direction)
	}

	where := "1=1"
	args := []any{}
	if q.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, q.UserID)
	}
	if q.ResourceID != "" {
		where += " AND resource_id = ?"
		args = append(args, q.ResourceID)
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT id, resource_id, user_id, title, metadata, created_at, updated_at
		FROM %s
		WHERE %s
		ORDER BY %s %s
		LIMIT ? OFFSET ?
	`, s.table("conversations"), where, orderBy, direction)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := s.scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpdateConversation updates title, resource, and metadata of a conversation.
// Returns ErrConversationNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	metadata, err := marshalJSON(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encoding conversation metadata: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET resource_id = ?, title = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, s.table("conversations"))

	result, err := s.db.ExecContext(ctx, query,
		conv.ResourceID,
		nullString(conv.Title),
		metadata,
		time.Now().UTC().Format(timeFormat),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConversationNotFound
	}

	s.logQuery("update_conversation", "id", conv.ID)
	return nil
}

// DeleteConversation removes a conversation and its messages.
// Returns ErrConversationNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting conversation delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = ?`, s.table("messages")), id); err != nil {
		return fmt.Errorf("deleting conversation messages: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("conversations")), id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConversationNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation delete: %w", err)
	}

	s.logQuery("delete_conversation", "id", id)
	return nil
}

// AddMessage appends a message to a conversation's log and prunes the oldest
// messages (by created_at) once the per-conversation storage limit is
// exceeded. The append and the prune share one transaction.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *ConversationMessage) error {
	msgType := msg.Type
	if msgType == "" {
		msgType = "text"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting message insert: %w", err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`
		INSERT INTO %s (conversation_id, message_id, role, content, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.table("messages"))

	_, err = tx.ExecContext(ctx, insert,
		msg.ConversationID,
		msg.MessageID,
		msg.Role,
		msg.Content,
		msgType,
		msg.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	// FIFO prune: keep only the newest storageLimit messages.
	prune := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE conversation_id = ?
		  AND message_id NOT IN (
			SELECT message_id FROM %[1]s
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		  )
	`, s.table("messages"))

	result, err := tx.ExecContext(ctx, prune, msg.ConversationID, msg.ConversationID, s.storageLimit)
	if err != nil {
		return fmt.Errorf("pruning messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message insert: %w", err)
	}

	if pruned, _ := result.RowsAffected(); pruned > 0 {
		s.logger.Debug("pruned old messages",
			"conversation_id", msg.ConversationID,
			"pruned", pruned,
			"limit", s.storageLimit)
	}
	return nil
}

// GetMessages retrieves a conversation's messages in ascending created_at
// order, honoring role/time filters. With a limit, the most recent N matching
// messages are returned, still oldest-first.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*ConversationMessage, error) {
	where := "conversation_id = ?"
	args := []any{conversationID}
	if q.Role != "" {
		where += " AND role = ?"
		args = append(args, q.Role)
	}
	if q.Before != nil {
		where += " AND created_at < ?"
		args = append(args, q.Before.UTC().Format(timeFormat))
	}
	if q.After != nil {
		where += " AND created_at >= ?"
		args = append(args, q.After.UTC().Format(timeFormat))
	}

	var query string
	if q.Limit > 0 {
		query = fmt.Sprintf(`
			SELECT conversation_id, message_id, role, content, type, created_at
			FROM (
				SELECT conversation_id, message_id, role, content, type, created_at
				FROM %s
				WHERE %s
				ORDER BY created_at DESC
				LIMIT ?
			)
			ORDER BY created_at ASC
		`, s.table("messages"), where)
		args = append(args, q.Limit)
	} else {
		query = fmt.Sprintf(`
			SELECT conversation_id, message_id, role, content, type, created_at
			FROM %s
			WHERE %s
			ORDER BY created_at ASC
		`, s.table("messages"), where)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*ConversationMessage
	for rows.Next() {
		var msg ConversationMessage
		var createdAtStr string
		if err := rows.Scan(&msg.ConversationID, &msg.MessageID, &msg.Role, &msg.Content, &msg.Type, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// ClearMessages removes all messages from a conversation, keeping the
// conversation row itself.
func (s *SQLiteStore) ClearMessages(ctx context.Context, conversationID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = ?`, s.table("messages"))
	if _, err := s.db.ExecContext(ctx, query, conversationID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	s.logQuery("clear_messages", "conversation_id", conversationID)
	return nil
}

func (s *SQLiteStore) scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var title, metadata sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.ResourceID,
		&conv.UserID,
		&title,
		&metadata,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	if title.Valid {
		conv.Title = title.String
	}
	if err := unmarshalJSON(metadata, &conv.Metadata); err != nil {
		return nil, fmt.Errorf("decoding conversation metadata: %w", err)
	}
	conv.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing conversation created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(timeFormat, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing conversation updated_at: %w", err)
	}

	return &conv, nil
}
