// Package history persists an audit trail of finished execution sessions in
// a local SQLite database. The trail is append-only; the execution path only
// writes, the CLI reads.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	command TEXT NOT NULL,
	cwd TEXT NOT NULL DEFAULT '',
	host TEXT NOT NULL DEFAULT '',
	security TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	exit_code INTEGER NOT NULL DEFAULT 0,
	timed_out INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	started_at_ms INTEGER NOT NULL DEFAULT 0,
	finished_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_session_history_key ON session_history(session_key);
`

// Record is one finished execution.
type Record struct {
	ID         int64
	SessionKey string
	Command    string
	Cwd        string
	Host       string
	Security   string
	Status     string
	ExitCode   int
	TimedOut   bool
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path, creating parent
// directories and the schema as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one record to the trail.
func (s *Store) Append(rec Record) error {
	timedOut := 0
	if rec.TimedOut {
		timedOut = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO session_history
			(session_key, command, cwd, host, security, status, exit_code, timed_out, reason, started_at_ms, finished_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionKey, rec.Command, rec.Cwd, rec.Host, rec.Security, rec.Status,
		rec.ExitCode, timedOut, rec.Reason,
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append history record: %w", err)
	}
	return nil
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, session_key, command, cwd, host, security, status, exit_code, timed_out, reason, started_at_ms, finished_at_ms
		 FROM session_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var timedOut int
		var startedMs, finishedMs int64
		if err := rows.Scan(
			&rec.ID, &rec.SessionKey, &rec.Command, &rec.Cwd, &rec.Host, &rec.Security,
			&rec.Status, &rec.ExitCode, &timedOut, &rec.Reason, &startedMs, &finishedMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		rec.TimedOut = timedOut != 0
		rec.StartedAt = time.UnixMilli(startedMs)
		rec.FinishedAt = time.UnixMilli(finishedMs)
		records = append(records, rec)
	}
	return records, rows.Err()
}
