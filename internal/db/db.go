package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Process lifecycle events.
const (
	EventProcessStarted  = "process.started"
	EventProcessStopped  = "process.stopped"
	EventAdapterStarted  = "adapter.started"
	EventAdapterFailed   = "adapter.failed"
	EventPipelineReload  = "pipeline.reloaded"
	EventReloadRejected  = "pipeline.reload_rejected"
	EventConfigPersisted = "config.persisted"
)

// Per-event pipeline execution.
const (
	EventReceived        = "event.received"
	EventCompleted       = "event.completed"
	EventDropped         = "event.dropped"
	EventAborted         = "event.aborted"
	EventDeadlineReached = "event.deadline_reached"
	EventStageStopped    = "stage.stopped"
	EventStageFailed     = "stage.failed"
	EventCommandExecuted = "command.executed"
	EventTurnStarted     = "turn.started"
	EventTurnCompleted   = "turn.completed"
	EventToolCallDone    = "tool_call.completed"
	EventToolCallFailed  = "tool_call.failed"
	EventLimitReached    = "control.limit_reached"
	EventCircuitOpened   = "circuit.opened"
	EventCircuitClosed   = "circuit.closed"
	EventReplySent       = "reply.sent"
	EventReplyFailed     = "reply.failed"
)

// OpenDB opens the SQLite file at path in WAL mode, creating its directory
// first.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	return db, nil
}

// migrations[i] moves the schema from user_version i to i+1.
var migrations = []string{
	`CREATE TABLE events (
		id         INTEGER PRIMARY KEY,
		timestamp  INTEGER NOT NULL DEFAULT (unixepoch()),
		parent_id  INTEGER,
		event_type TEXT NOT NULL,
		payload    TEXT
	);
	CREATE INDEX idx_events_parent_id ON events(parent_id);
	CREATE INDEX idx_events_type_id ON events(event_type, id);`,

	`CREATE TABLE conversations (
		cid         TEXT PRIMARY KEY,
		session_key TEXT NOT NULL UNIQUE,
		platform    TEXT NOT NULL,
		title       TEXT NOT NULL DEFAULT '',
		persona_id  TEXT NOT NULL DEFAULT '',
		history     TEXT NOT NULL DEFAULT '[]',
		created_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		updated_at  INTEGER NOT NULL DEFAULT (unixepoch())
	);
	CREATE INDEX idx_conversations_updated_at ON conversations(updated_at);`,
}

// InitSchema applies the migrations the file has not seen yet, tracked in
// PRAGMA user_version. Running it again is a no-op.
func InitSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	return nil
}

// SchemaVersion reports how many migrations the file has applied.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`PRAGMA user_version`).Scan(&v)
	return v, err
}

// LogEvent appends one audit row. A nil parentID makes a root; a nil
// payload is stored as NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var raw sql.NullString
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		raw = sql.NullString{String: string(b), Valid: true}
	}
	res, err := db.Exec(`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, raw)
	if err != nil {
		return 0, fmt.Errorf("record %s: %w", eventType, err)
	}
	return res.LastInsertId()
}

// LatestEventID returns the newest row of eventType.
func LatestEventID(db *sql.DB, eventType string) (int64, error) {
	var id int64
	row := db.QueryRow(`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`, eventType)
	if err := row.Scan(&id); errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no %s event found", eventType)
	} else if err != nil {
		return 0, err
	}
	return id, nil
}

// EventLog records audit rows for the pipeline.
type EventLog struct {
	DB *sql.DB
}

// Record stores one audit row; a zero parent makes it a root.
func (l *EventLog) Record(parent int64, eventType string, payload map[string]any) (int64, error) {
	if parent <= 0 {
		return LogEvent(l.DB, nil, eventType, payload)
	}
	return LogEvent(l.DB, &parent, eventType, payload)
}
