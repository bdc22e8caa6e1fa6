// ABOUTME: Agent history log migration: legacy key/value JSON blobs to structured rows
// ABOUTME: Explodes embedded legacy events into typed timeline event rows

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// legacyHistoryValue mirrors the JSON blob stored per entry in the legacy
// agent_history(key, value) layout. Events and steps were embedded in the
// blob instead of having their own tables.
type legacyHistoryValue struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Timestamp string          `json:"timestamp"`
	EndTime   string          `json:"end_time"`
	Status    string          `json:"status"`
	Input     json.RawMessage `json:"input"`
	Output    string          `json:"output"`
	Usage     json.RawMessage `json:"usage"`
	Metadata  json.RawMessage `json:"metadata"`
	Events    []legacyEvent   `json:"events"`
	Steps     []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"steps"`
}

// agentHistorySchemaMigration rewrites the legacy agent-history log:
//
//	legacy:  agent_history(key, value)   ; value is one JSON blob per run
//	current: agent_history(id, agent_id, timestamp, ...) structured columns
//	         + agent_history_steps + timeline_events rows
//
// Every embedded legacy event is exploded through transformLegacyEvent into
// one or two typed timeline event rows.
func (s *SQLiteStore) agentHistorySchemaMigration() schemaMigration {
	return schemaMigration{
		Type:   MigrationAgentHistorySchema,
		Tables: []string{"agent_history", "agent_history_steps", "timeline_events"},
		NeedsRun: func(ctx context.Context) (bool, error) {
			exists, err := s.tableExists(ctx, s.table("agent_history"))
			if err != nil || !exists {
				return false, err
			}
			hasKey, err := s.columnExists(ctx, s.table("agent_history"), "key")
			if err != nil {
				return false, err
			}
			hasID, err := s.columnExists(ctx, s.table("agent_history"), "id")
			if err != nil {
				return false, err
			}
			return hasKey && !hasID, nil
		},
		Apply: s.applyAgentHistoryMigration,
	}
}

func (s *SQLiteStore) applyAgentHistoryMigration(ctx context.Context, tx *sql.Tx) (int, error) {
	historyTable := s.table("agent_history")
	stepsTable := s.table("agent_history_steps")
	eventsTable := s.table("timeline_events")

	// Buffer the legacy blobs before writing; a Tx cannot interleave an
	// open read cursor with inserts.
	legacyRows, err := s.readLegacyHistory(ctx)
	if err != nil {
		return 0, err
	}

	createTmp := fmt.Sprintf(`
		CREATE TABLE %[1]s_migration (
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
		CREATE TABLE %[2]s_migration (
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			history_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			PRIMARY KEY (history_id, key)
		);
		CREATE TABLE %[3]s_migration (
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
	`, historyTable, stepsTable, eventsTable)
	if _, err := tx.ExecContext(ctx, createTmp); err != nil {
		return 0, fmt.Errorf("creating migration tables: %w", err)
	}

	// Carry over any rows already in the structured side tables so the
	// rename does not lose them.
	carryOver := fmt.Sprintf(`
		INSERT INTO %[1]s_migration SELECT * FROM %[1]s;
		INSERT INTO %[2]s_migration SELECT * FROM %[2]s;
	`, stepsTable, eventsTable)
	if _, err := tx.ExecContext(ctx, carryOver); err != nil {
		return 0, fmt.Errorf("carrying over structured rows: %w", err)
	}

	insertEntry := fmt.Sprintf(`
		INSERT INTO %s_migration (id, agent_id, timestamp, end_time, status, input, output, usage, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, historyTable)
	insertStep := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s_migration (key, value, history_id, agent_id)
		VALUES (?, ?, ?, ?)
	`, stepsTable)
	insertEvent := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s_migration (
			id, history_id, agent_id, event_type, event_name, start_time, end_time,
			status, status_message, level, version, parent_event_id, tags,
			input, output, error, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eventsTable)

	migrated := 0
	// One conceptual run can appear under several legacy keys; the dedupe
	// set guarantees it produces one target row.
	seen := make(map[string]bool)

	for _, row := range legacyRows {
		var value legacyHistoryValue
		if err := json.Unmarshal([]byte(row.value), &value); err != nil {
			s.logger.Warn("skipping unparseable legacy history row", "key", row.key, "error", err)
			continue
		}
		if value.ID == "" {
			value.ID = row.key
		}
		if value.AgentID == "" {
			s.logger.Warn("skipping legacy history row without agent id", "key", row.key)
			continue
		}
		if seen[value.ID] {
			continue
		}
		seen[value.ID] = true

		startTime := parseLegacyTime(value.Timestamp, time.Now().UTC())
		var endTime any
		if value.EndTime != "" {
			endTime = parseLegacyTime(value.EndTime, startTime).Format(timeFormat)
		}
		status := value.Status
		if status == "" {
			status = "completed"
		}

		_, err := tx.ExecContext(ctx, insertEntry,
			value.ID,
			value.AgentID,
			startTime.Format(timeFormat),
			endTime,
			status,
			rawJSONOrNil(value.Input),
			nullString(value.Output),
			rawJSONOrNil(value.Usage),
			rawJSONOrNil(value.Metadata),
		)
		if err != nil {
			s.logger.Warn("skipping unmigratable history entry", "id", value.ID, "error", err)
			continue
		}

		for _, step := range value.Steps {
			if step.Key == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, insertStep, step.Key, step.Value, value.ID, value.AgentID); err != nil {
				s.logger.Warn("skipping unmigratable history step",
					"history_id", value.ID, "step", step.Key, "error", err)
			}
		}

		for _, legacy := range value.Events {
			events, err := transformLegacyEvent(legacy, startTime)
			if err != nil {
				s.logger.Warn("skipping unmigratable legacy event",
					"history_id", value.ID, "type", legacy.Type, "name", legacy.Name, "error", err)
				continue
			}
			for _, ev := range events {
				statusMessage, _ := marshalJSON(ev.StatusMessage)
				tags, _ := marshalJSON(ev.Tags)
				input, _ := marshalJSON(ev.Input)
				output, _ := marshalJSON(ev.Output)
				evErr, _ := marshalJSON(ev.Error)
				metadata, _ := marshalJSON(ev.Metadata)

				_, err := tx.ExecContext(ctx, insertEvent,
					ev.ID, value.ID, value.AgentID,
					string(ev.Type), ev.Name,
					ev.StartTime.UTC().Format(timeFormat),
					formatNullableTime(ev.EndTime),
					nullString(string(ev.Status)),
					statusMessage,
					nullString(string(ev.Level)),
					nullString(ev.Version),
					nullString(ev.ParentEventID),
					tags, input, output, evErr, metadata,
				)
				if err != nil {
					s.logger.Warn("skipping unmigratable timeline event",
						"history_id", value.ID, "event_id", ev.ID, "error", err)
				}
			}
		}

		migrated++
	}

	swap := fmt.Sprintf(`
		DROP TABLE %[1]s;
		DROP TABLE %[2]s;
		DROP TABLE %[3]s;
		ALTER TABLE %[1]s_migration RENAME TO %[1]s;
		ALTER TABLE %[2]s_migration RENAME TO %[2]s;
		ALTER TABLE %[3]s_migration RENAME TO %[3]s;
		CREATE INDEX IF NOT EXISTS idx_%[1]s_agent ON %[1]s(agent_id);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_history ON %[2]s(history_id);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_history ON %[3]s(history_id, start_time);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_agent ON %[3]s(agent_id);
	`, historyTable, stepsTable, eventsTable)
	if _, err := tx.ExecContext(ctx, swap); err != nil {
		return 0, fmt.Errorf("swapping migrated tables: %w", err)
	}

	return migrated, nil
}

type legacyHistoryRow struct {
	key   string
	value string
}

func (s *SQLiteStore) readLegacyHistory(ctx context.Context) ([]legacyHistoryRow, error) {
	query := fmt.Sprintf(`SELECT key, value FROM %s`, s.table("agent_history"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading legacy history: %w", err)
	}
	defer rows.Close()

	var out []legacyHistoryRow
	for rows.Next() {
		var r legacyHistoryRow
		if err := rows.Scan(&r.key, &r.value); err != nil {
			return nil, fmt.Errorf("scanning legacy history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// rawJSONOrNil passes a raw JSON column value through, keeping NULL for
// empty blobs.
func rawJSONOrNil(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

// parseLegacyTime accepts the timestamp formats legacy rows were written
// with; unparseable values fall back to the given default.
func parseLegacyTime(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return fallback
}
