package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Operations recorded in the event log.
const (
	OpIngest    = "ingest"
	OpAnonymize = "anonymize"
	OpSend      = "send"
	OpDownload  = "download"
	OpRestore   = "restore"
	OpClear     = "clear"
)

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('event_log_id_seq'),
    event_timestamp TIMESTAMP NOT NULL,
    operation       VARCHAR NOT NULL,      -- ingest, anonymize, send, download, restore, clear
    level           VARCHAR NOT NULL,      -- info, warn, error
    file_id         VARCHAR,
    item            VARCHAR,               -- file name, study id or archive name
    message         VARCHAR,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_event_log_op_time ON event_log (operation, event_timestamp);

CREATE TABLE IF NOT EXISTS session_files (
    file_id     VARCHAR PRIMARY KEY,
    position    INTEGER NOT NULL,
    file_name   VARCHAR NOT NULL,
    file_size   BIGINT NOT NULL,
    anonymized  BOOLEAN NOT NULL,
    metadata    VARCHAR,               -- JSON encoded FileMetadata
    updated_at  TIMESTAMP NOT NULL
);
`

// InitializeSchema creates the sequence and tables in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// Event is one row of the event log.
type Event struct {
	ID        int64
	Timestamp time.Time
	Operation string
	Level     string
	FileID    string
	Item      string
	Message   string
	Duration  *time.Duration
}

// LogEvent inserts a new event record into the log.
func LogEvent(ctx context.Context, db *sql.DB, e Event) error {
	query := `
        INSERT INTO event_log (event_timestamp, operation, level, file_id, item, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?);
    `
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var durationMs sql.NullInt64
	if e.Duration != nil {
		durationMs = sql.NullInt64{Int64: e.Duration.Milliseconds(), Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		ts,
		e.Operation,
		e.Level,
		sql.NullString{String: e.FileID, Valid: e.FileID != ""},
		sql.NullString{String: e.Item, Valid: e.Item != ""},
		sql.NullString{String: e.Message, Valid: e.Message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log %s event for '%s': %w", e.Operation, e.Item, err)
	}
	return nil
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	Operation string
	Level     string
	Limit     int
}

// ListEvents returns matching events, newest first.
func ListEvents(ctx context.Context, db *sql.DB, f EventFilter) ([]Event, error) {
	query := `
        SELECT log_id, event_timestamp, operation, level, file_id, item, message, duration_ms
        FROM event_log
    `
	conditions := []string{}
	args := []any{}
	if f.Operation != "" {
		conditions = append(conditions, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.Level != "" {
		conditions = append(conditions, "level = ?")
		args = append(args, f.Level)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY event_timestamp DESC, log_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                     Event
			fileID, item, message sql.NullString
			durationMs            sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Operation, &e.Level, &fileID, &item, &message, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan event log row: %w", err)
		}
		e.FileID, e.Item, e.Message = fileID.String, item.String, message.String
		if durationMs.Valid {
			d := time.Duration(durationMs.Int64) * time.Millisecond
			e.Duration = &d
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event log rows: %w", err)
	}
	return events, nil
}

// ClearEvents deletes every event and returns how many were removed.
func ClearEvents(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM event_log;`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear event log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared events: %w", err)
	}
	return n, nil
}

// DisplayEventLog prints matching events as a table.
func DisplayEventLog(ctx context.Context, db *sql.DB, w io.Writer, f EventFilter) error {
	events, err := ListEvents(ctx, db, f)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "--- Event Log (Limit %d) ---\n", f.Limit)
	fmt.Fprintf(w, "%-25s | %-9s | %-5s | %-40s | %-10s | %s\n", "Timestamp (UTC)", "Operation", "Level", "Item", "DurationMS", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 130))
	for _, e := range events {
		durationStr := ""
		if e.Duration != nil {
			durationStr = fmt.Sprintf("%d", e.Duration.Milliseconds())
		}
		fmt.Fprintf(w, "%-25s | %-9s | %-5s | %-40s | %-10s | %s\n",
			e.Timestamp.Format(time.RFC3339), e.Operation, e.Level, e.Item, durationStr, e.Message)
	}
	fmt.Fprintf(w, "Displayed %d records.\n", len(events))
	return nil
}

// EventLog binds LogEvent to a connection so components can record events
// without holding the *sql.DB.
type EventLog struct {
	db *sql.DB
}

func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

func (l *EventLog) Log(ctx context.Context, e Event) error {
	return LogEvent(ctx, l.db, e)
}
