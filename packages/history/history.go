// Package history records execution results in a local SQLite database so
// past runs can be listed and compared.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	workbook    TEXT NOT NULL,
	name        TEXT NOT NULL,
	method      TEXT NOT NULL,
	url         TEXT NOT NULL,
	status_code INTEGER,
	duration_ms INTEGER NOT NULL,
	error_code  TEXT,
	executed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_workbook ON executions(workbook, executed_at);
`

// Entry is one recorded execution.
type Entry struct {
	ID         string
	Workbook   string
	Name       string
	Method     string
	URL        string
	StatusCode int
	DurationMs int64
	ErrorCode  string
	ExecutedAt time.Time
}

// Store is a SQLite-backed execution history.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &Store{db: db, timeout: 30 * time.Second}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save records one execution.
func (s *Store) Save(entry *Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workbook, name, method, url, status_code, duration_ms, error_code, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Workbook, entry.Name, entry.Method, entry.URL,
		entry.StatusCode, entry.DurationMs, entry.ErrorCode, entry.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// Recent returns the most recent entries for a workbook, newest first.
func (s *Store) Recent(workbook string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workbook, name, method, url, status_code, duration_ms, error_code, executed_at
		 FROM executions WHERE workbook = ? ORDER BY executed_at DESC LIMIT ?`,
		workbook, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Workbook, &e.Name, &e.Method, &e.URL,
			&e.StatusCode, &e.DurationMs, &e.ErrorCode, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history row iteration error: %w", err)
	}
	return entries, nil
}
