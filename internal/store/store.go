// ABOUTME: Store types, errors, and query parameters for agent-ledger persistence
// ABOUTME: Defines Conversation, ConversationMessage and the TimelineStore interface

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/agent-ledger/internal/timeline"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationNotFound is returned when a conversation does not exist,
// or exists but belongs to a different user (existence is never leaked).
var ErrConversationNotFound = errors.New("conversation not found")

// ErrNoBackup is returned when a restore is requested but no backup table exists
var ErrNoBackup = errors.New("no backup available")

// Conversation groups an append-only message log under a user and resource.
type Conversation struct {
	ID         string
	ResourceID string
	UserID     string
	Title      string
	Metadata   map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MessageRole constants for conversation messages
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
	MessageRoleTool      = "tool"
)

// ConversationMessage is one message in a conversation's append-only log.
type ConversationMessage struct {
	ConversationID string
	MessageID      string
	Role           string
	Content        string
	Type           string
	CreatedAt      time.Time
}

// SortDirection for conversation queries
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// ConversationQuery specifies filters, pagination and ordering for
// QueryConversations. Zero values mean "no filter" / defaults.
type ConversationQuery struct {
	UserID     string
	ResourceID string
	Limit      int           // defaults to 50, capped at 500
	Offset     int           // defaults to 0
	OrderBy    string        // one of: created_at, updated_at, title (default updated_at)
	Direction  SortDirection // default DESC
}

// MessageQuery specifies filters for GetMessages.
type MessageQuery struct {
	Role   string     // optional: only messages with this role
	Before *time.Time // optional: only messages created before this time
	After  *time.Time // optional: only messages created at or after this time
	Limit  int        // optional: most recent N, returned oldest-first
}

// MigrationOptions controls backup behavior for schema migrations.
type MigrationOptions struct {
	// CreateBackup snapshots the live tables before migrating so a bad
	// forward migration can be undone via RestoreFromBackup.
	CreateBackup bool
	// DeleteBackupAfterMigration drops the backup once the migration
	// committed successfully.
	DeleteBackupAfterMigration bool
}

// DefaultMigrationOptions keeps a backup and retains it after success.
func DefaultMigrationOptions() MigrationOptions {
	return MigrationOptions{CreateBackup: true}
}

// MigrationResult is the structured outcome of one schema migration, giving
// an operator enough to decide whether to invoke the restore path.
type MigrationResult struct {
	Success       bool
	MigratedCount int
	BackupCreated bool
	Error         error
}

// TimelineStore is the persistence surface consumed by the event hub and the
// real-time layer.
type TimelineStore interface {
	// Agent execution history
	UpsertHistoryEntry(ctx context.Context, entry *timeline.ExecutionEntry) error
	AddHistoryStep(ctx context.Context, historyID, agentID string, step timeline.HistoryStep) error
	AddTimelineEvent(ctx context.Context, historyID, agentID string, event *timeline.TimelineEvent) error
	GetHistoryEntry(ctx context.Context, id string) (*timeline.ExecutionEntry, error)
	GetHistoryByAgent(ctx context.Context, agentID string) ([]*timeline.ExecutionEntry, error)
	DeleteAgentHistory(ctx context.Context, agentID string) error

	// Conversations and messages
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetUserConversation(ctx context.Context, userID, conversationID string) (*Conversation, error)
	QueryConversations(ctx context.Context, q ConversationQuery) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	AddMessage(ctx context.Context, msg *ConversationMessage) error
	GetMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*ConversationMessage, error)
	ClearMessages(ctx context.Context, conversationID string) error

	Close() error
}
