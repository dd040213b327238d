// Package state persists the outcome log: one entry per completed real
// robocopy pass (and the occasional follow-up warning), per task.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Ning0612/robomirror/internal/domain"
)

// Entry is one outcome log record
type Entry struct {
	ID        int64
	TaskID    string
	Timestamp time.Time
	Severity  domain.Severity
	Message   string

	// Data is robocopy's full output, empty for follow-up entries
	Data string
}

// Manager is the sqlite backed outcome log. It is safe for concurrent
// use; other processes are serialized by sqlite's busy timeout.
type Manager struct {
	db  *sql.DB
	now func() time.Time
}

// NewManager opens (or creates) the outcome log at dbPath
func NewManager(dbPath string) (*Manager, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 單一連線避免 "database is locked"
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// busy_timeout covers a scheduled run and the CLI writing at once
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=10000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode and busy timeout: %w", err)
	}

	m := &Manager{db: db, now: time.Now}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_entries_task_time ON entries(task_id, timestamp DESC);
	`)
	return err
}

// LogOutcome appends an entry stamped with the current time
func (m *Manager) LogOutcome(taskID string, severity domain.Severity, message, data string) error {
	return m.Write(Entry{
		TaskID:    taskID,
		Timestamp: m.now(),
		Severity:  severity,
		Message:   message,
		Data:      data,
	})
}

// Write appends entry as is
func (m *Manager) Write(entry Entry) error {
	if entry.TaskID == "" {
		return errors.New("task id cannot be empty")
	}
	if entry.Message == "" {
		return errors.New("message cannot be empty")
	}
	switch entry.Severity {
	case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityError:
	default:
		return fmt.Errorf("invalid severity: %q", entry.Severity)
	}

	_, err := m.db.Exec(
		`INSERT INTO entries (task_id, timestamp, severity, message, data) VALUES (?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Timestamp.UTC(), string(entry.Severity), entry.Message, entry.Data,
	)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	return nil
}

// Entries returns up to limit entries of a task, newest first
func (m *Manager) Entries(taskID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	rows, err := m.db.Query(`
		SELECT id, task_id, timestamp, severity, message, data
		FROM entries
		WHERE task_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// LastEntry returns the newest entry of a task, nil if there is none
func (m *Manager) LastEntry(taskID string) (*Entry, error) {
	row := m.db.QueryRow(`
		SELECT id, task_id, timestamp, severity, message, data
		FROM entries
		WHERE task_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, taskID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEntries removes every entry of a task and returns how many
func (m *Manager) DeleteEntries(taskID string) (int64, error) {
	res, err := m.db.Exec(`DELETE FROM entries WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e        Entry
		severity string
	)
	if err := s.Scan(&e.ID, &e.TaskID, &e.Timestamp, &severity, &e.Message, &e.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.Severity = domain.Severity(severity)
	e.Timestamp = e.Timestamp.Local()
	return e, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
