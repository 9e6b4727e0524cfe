// Package journal persists an audit trail of mutating operations in a local
// sqlite database. The journal is advisory: callers treat append failures as
// log-worthy, never as operation failures.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded operation.
type Entry struct {
	ID         int64
	OccurredAt time.Time
	Op         string
	Instance   string
	Outcome    string
	Detail     string
}

type Journal struct {
	db *sql.DB
}

func Open(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// SQLite only supports one concurrent writer. Limit the pool to a
	// single connection so all access is serialized at the Go level.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			op          TEXT NOT NULL,
			instance    TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_occurred
			ON operations (occurred_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_instance
			ON operations (instance, occurred_at DESC, id DESC)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Append(ctx context.Context, e Entry) error {
	at := e.OccurredAt.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO operations (occurred_at, op, instance, outcome, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		at.Format(time.RFC3339),
		strings.TrimSpace(e.Op),
		strings.TrimSpace(e.Instance),
		strings.TrimSpace(e.Outcome),
		strings.TrimSpace(e.Detail),
	)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries first, optionally filtered to one
// instance. Limit is clamped to [1, 500] with a default of 50.
func (j *Journal) Recent(ctx context.Context, limit int, instance string) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	instance = strings.TrimSpace(instance)

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, occurred_at, op, instance, outcome, detail
		 FROM operations
		 WHERE (? = '' OR instance = ?)
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT ?`,
		instance, instance, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at string
		)
		if err := rows.Scan(&e.ID, &at, &e.Op, &e.Instance, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		if parsed, perr := time.Parse(time.RFC3339, at); perr == nil {
			e.OccurredAt = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
