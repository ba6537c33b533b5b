package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLog implements AuditLog on top of SQLite, adapted from the
// teacher's SQLiteDB: same Open/initTables/Close shape, new schema.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (creating if necessary) the audit database at
// dbPath and ensures its schema exists.
func NewSQLiteLog(dbPath string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := initTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return &SQLiteLog{db: db}, nil
}

func initTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			at TIMESTAMP NOT NULL,
			output_path TEXT,
			fail_reason TEXT
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_transitions_session_id ON transitions (session_id)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

// RecordTransition appends one row to the audit trail. Never returns
// an error that should abort the event loop — callers log and move on.
func (s *SQLiteLog) RecordTransition(t Transition) error {
	_, err := s.db.Exec(`
		INSERT INTO transitions (session_id, phase, at, output_path, fail_reason)
		VALUES (?, ?, ?, ?, ?)
	`, t.SessionID, t.Phase, t.At, t.OutputPath, t.FailReason)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// RecentTransitions returns the most recent rows, newest first.
func (s *SQLiteLog) RecentTransitions(limit int) ([]Transition, error) {
	rows, err := s.db.Query(`
		SELECT session_id, phase, at, output_path, fail_reason
		FROM transitions
		ORDER BY at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var outputPath, failReason sql.NullString
		var at time.Time
		if err := rows.Scan(&t.SessionID, &t.Phase, &at, &outputPath, &failReason); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.At = at
		t.OutputPath = outputPath.String
		t.FailReason = failReason.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// IncrementCounter bumps a named counter (segments_captured,
// sessions_completed, sessions_failed, buffer_restarts, buffer_hard_resets)
// by one, creating the row on first use.
func (s *SQLiteLog) IncrementCounter(name string) error {
	_, err := s.db.Exec(`
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
	`, name)
	if err != nil {
		return fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return nil
}

// Counters returns every counter's current value.
func (s *SQLiteLog) Counters() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT name, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		out[name] = value
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}
