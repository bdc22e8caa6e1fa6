// ABOUTME: Agent execution history persistence: entries, steps, and timeline events
// ABOUTME: Entries upsert by id; point lookups eagerly join steps and events

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/agent-ledger/internal/timeline"
)

// timeFormat keeps sub-second precision so event ordering survives the
// round-trip through TEXT columns. The fractional part is fixed-width,
// unlike RFC3339Nano, so lexicographic order on the column matches
// chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// UpsertHistoryEntry inserts an execution entry or replaces an existing one
// with the same id. Steps and events are persisted separately and are not
// touched here.
func (s *SQLiteStore) UpsertHistoryEntry(ctx context.Context, entry *timeline.ExecutionEntry) error {
	input, err := marshalJSON(entry.Input)
	if err != nil {
		return fmt.Errorf("encoding history input: %w", err)
	}
	usage, err := marshalJSON(entry.Usage)
	if err != nil {
		return fmt.Errorf("encoding history usage: %w", err)
	}
	metadata, err := marshalJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encoding history metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, agent_id, timestamp, end_time, status, input, output, usage, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			timestamp = excluded.timestamp,
			end_time = excluded.end_time,
			status = excluded.status,
			input = excluded.input,
			output = excluded.output,
			usage = excluded.usage,
			metadata = excluded.metadata
	`, s.table("agent_history"))

	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.AgentID,
		entry.StartTime.UTC().Format(timeFormat),
		formatNullableTime(entry.EndTime),
		string(entry.Status),
		input,
		nullString(entry.Output),
		usage,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("upserting history entry: %w", err)
	}

	s.logQuery("upsert_history_entry", "id", entry.ID, "agent_id", entry.AgentID, "status", entry.Status)
	return nil
}

// AddHistoryStep appends (or replaces by key) one step of an entry.
func (s *SQLiteStore) AddHistoryStep(ctx context.Context, historyID, agentID string, step timeline.HistoryStep) error {
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (key, value, history_id, agent_id)
		VALUES (?, ?, ?, ?)
	`, s.table("agent_history_steps"))

	if _, err := s.db.ExecContext(ctx, query, step.Key, step.Value, historyID, agentID); err != nil {
		return fmt.Errorf("adding history step: %w", err)
	}
	return nil
}

// AddTimelineEvent persists one timeline event under a history entry.
// Events share the entry's global id space; re-writing the same id replaces
// the stored row.
func (s *SQLiteStore) AddTimelineEvent(ctx context.Context, historyID, agentID string, event *timeline.TimelineEvent) error {
	statusMessage, err := marshalJSON(event.StatusMessage)
	if err != nil {
		return fmt.Errorf("encoding event status message: %w", err)
	}
	tags, err := marshalJSON(event.Tags)
	if err != nil {
		return fmt.Errorf("encoding event tags: %w", err)
	}
	input, err := marshalJSON(event.Input)
	if err != nil {
		return fmt.Errorf("encoding event input: %w", err)
	}
	output, err := marshalJSON(event.Output)
	if err != nil {
		return fmt.Errorf("encoding event output: %w", err)
	}
	eventErr, err := marshalJSON(event.Error)
	if err != nil {
		return fmt.Errorf("encoding event error: %w", err)
	}
	metadata, err := marshalJSON(event.Metadata)
	if err != nil {
		return fmt.Errorf("encoding event metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (
			id, history_id, agent_id, event_type, event_name, start_time, end_time,
			status, status_message, level, version, parent_event_id, tags,
			input, output, error, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table("timeline_events"))

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		historyID,
		agentID,
		string(event.Type),
		event.Name,
		event.StartTime.UTC().Format(timeFormat),
		formatNullableTime(event.EndTime),
		nullString(string(event.Status)),
		statusMessage,
		nullString(string(event.Level)),
		nullString(event.Version),
		nullString(event.ParentEventID),
		tags,
		input,
		output,
		eventErr,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("adding timeline event: %w", err)
	}

	s.logQuery("add_timeline_event", "id", event.ID, "history_id", historyID, "name", event.Name)
	return nil
}

// GetHistoryEntry retrieves an entry by id with its steps and timeline
// events eagerly joined. Returns ErrNotFound if the entry doesn't exist.
func (s *SQLiteStore) GetHistoryEntry(ctx context.Context, id string) (*timeline.ExecutionEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, agent_id, timestamp, end_time, status, input, output, usage, metadata
		FROM %s WHERE id = ?
	`, s.table("agent_history"))

	entry, err := s.scanHistoryEntry(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	entry.Steps, err = s.getHistorySteps(ctx, id)
	if err != nil {
		return nil, err
	}
	entry.Events, err = s.getTimelineEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// GetHistoryByAgent retrieves all entries for an agent, newest first, each
// with steps and events joined.
func (s *SQLiteStore) GetHistoryByAgent(ctx context.Context, agentID string) ([]*timeline.ExecutionEntry, error) {
	query := fmt.Sprintf(`
		SELECT id, agent_id, timestamp, end_time, status, input, output, usage, metadata
		FROM %s WHERE agent_id = ?
		ORDER BY timestamp DESC
	`, s.table("agent_history"))

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying agent history: %w", err)
	}
	defer rows.Close()

	var entries []*timeline.ExecutionEntry
	for rows.Next() {
		entry, err := s.scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	for _, entry := range entries {
		entry.Steps, err = s.getHistorySteps(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		entry.Events, err = s.getTimelineEvents(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// DeleteAgentHistory removes all entries, steps, and events for an agent.
// This is the explicit history-clear path; nothing else deletes entries.
func (s *SQLiteStore) DeleteAgentHistory(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting history delete: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"timeline_events", "agent_history_steps", "agent_history"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE agent_id = ?`, s.table(table))
		if _, err := tx.ExecContext(ctx, query, agentID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history delete: %w", err)
	}

	s.logger.Info("cleared agent history", "agent_id", agentID)
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanHistoryEntry(row rowScanner) (*timeline.ExecutionEntry, error) {
	var entry timeline.ExecutionEntry
	var status, startStr string
	var endStr, input, output, usage, metadata sql.NullString

	err := row.Scan(
		&entry.ID,
		&entry.AgentID,
		&startStr,
		&endStr,
		&status,
		&input,
		&output,
		&usage,
		&metadata,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning history entry: %w", err)
	}

	entry.Status = timeline.EntryStatus(status)
	entry.StartTime, err = time.Parse(timeFormat, startStr)
	if err != nil {
		return nil, fmt.Errorf("parsing history timestamp: %w", err)
	}
	if entry.EndTime, err = parseNullableTime(endStr); err != nil {
		return nil, fmt.Errorf("parsing history end_time: %w", err)
	}
	if output.Valid {
		entry.Output = output.String
	}
	if err := unmarshalJSON(input, &entry.Input); err != nil {
		return nil, fmt.Errorf("decoding history input: %w", err)
	}
	if err := unmarshalJSON(usage, &entry.Usage); err != nil {
		return nil, fmt.Errorf("decoding history usage: %w", err)
	}
	if err := unmarshalJSON(metadata, &entry.Metadata); err != nil {
		return nil, fmt.Errorf("decoding history metadata: %w", err)
	}

	return &entry, nil
}

func (s *SQLiteStore) getHistorySteps(ctx context.Context, historyID string) ([]timeline.HistoryStep, error) {
	query := fmt.Sprintf(`
		SELECT key, value FROM %s WHERE history_id = ? ORDER BY key ASC
	`, s.table("agent_history_steps"))

	rows, err := s.db.QueryContext(ctx, query, historyID)
	if err != nil {
		return nil, fmt.Errorf("querying history steps: %w", err)
	}
	defer rows.Close()

	var steps []timeline.HistoryStep
	for rows.Next() {
		var step timeline.HistoryStep
		if err := rows.Scan(&step.Key, &step.Value); err != nil {
			return nil, fmt.Errorf("scanning history step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) getTimelineEvents(ctx context.Context, historyID string) ([]*timeline.TimelineEvent, error) {
	query := fmt.Sprintf(`
		SELECT id, event_type, event_name, start_time, end_time, status, status_message,
		       level, version, parent_event_id, tags, input, output, error, metadata
		FROM %s WHERE history_id = ?
		ORDER BY start_time ASC, id ASC
	`, s.table("timeline_events"))

	rows, err := s.db.QueryContext(ctx, query, historyID)
	if err != nil {
		return nil, fmt.Errorf("querying timeline events: %w", err)
	}
	defer rows.Close()

	var events []*timeline.TimelineEvent
	for rows.Next() {
		var ev timeline.TimelineEvent
		var eventType, startStr string
		var endStr, status, statusMessage, level, version, parentID sql.NullString
		var tags, input, output, errJSON, metadata sql.NullString

		err := rows.Scan(
			&ev.ID, &eventType, &ev.Name, &startStr, &endStr, &status, &statusMessage,
			&level, &version, &parentID, &tags, &input, &output, &errJSON, &metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning timeline event: %w", err)
		}

		ev.Type = timeline.EventType(eventType)
		ev.StartTime, err = time.Parse(timeFormat, startStr)
		if err != nil {
			return nil, fmt.Errorf("parsing event start_time: %w", err)
		}
		if ev.EndTime, err = parseNullableTime(endStr); err != nil {
			return nil, fmt.Errorf("parsing event end_time: %w", err)
		}
		if status.Valid {
			ev.Status = timeline.EntryStatus(status.String)
		}
		if level.Valid {
			ev.Level = timeline.EventLevel(level.String)
		}
		if version.Valid {
			ev.Version = version.String
		}
		if parentID.Valid {
			ev.ParentEventID = parentID.String
		}
		if err := unmarshalJSON(statusMessage, &ev.StatusMessage); err != nil {
			return nil, fmt.Errorf("decoding event status message: %w", err)
		}
		if err := unmarshalJSON(tags, &ev.Tags); err != nil {
			return nil, fmt.Errorf("decoding event tags: %w", err)
		}
		if err := unmarshalJSON(input, &ev.Input); err != nil {
			return nil, fmt.Errorf("decoding event input: %w", err)
		}
		if err := unmarshalJSON(output, &ev.Output); err != nil {
			return nil, fmt.Errorf("decoding event output: %w", err)
		}
		if err := unmarshalJSON(errJSON, &ev.Error); err != nil {
			return nil, fmt.Errorf("decoding event error: %w", err)
		}
		if err := unmarshalJSON(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decoding event metadata: %w", err)
		}

		events = append(events, &ev)
	}
	return events, rows.Err()
}

// marshalJSON encodes v to a JSON string, or nil when v is a nil pointer,
// nil map, or nil slice, so the column stays NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	case *timeline.UsageInfo:
		if t == nil {
			return nil, nil
		}
	case *timeline.StatusMessage:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// unmarshalJSON decodes a nullable JSON column into dst; NULL leaves dst zero.
func unmarshalJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseNullableTime(col sql.NullString) (*time.Time, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, col.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
