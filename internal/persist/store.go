// Package persist keeps the machine's durable state: machine
// variables that survive restarts and an audit journal of ball
// transport events.
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a machine variable does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the machine database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applySchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS machine_vars (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ball_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	device TEXT NOT NULL,
	event TEXT NOT NULL,
	balls INTEGER NOT NULL DEFAULT 0,
	target TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_ball_events_device ON ball_events(device, id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SetVar stores a machine variable.
func (s *Store) SetVar(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO machine_vars(name, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	value=excluded.value,
	updated_at=excluded.updated_at
`, name, value, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("set machine var %q: %w", name, err)
	}
	return nil
}

// GetVar reads a machine variable; ErrNotFound if it was never set.
func (s *Store) GetVar(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM machine_vars WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get machine var %q: %w", name, err)
	}
	return value, nil
}

// BallEvent is one journal row.
type BallEvent struct {
	ID     int64
	At     time.Time
	Device string
	Event  string
	Balls  int
	Target string
}

// RecordBallEvent appends to the journal.
func (s *Store) RecordBallEvent(ctx context.Context, ev BallEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ball_events(at, device, event, balls, target)
VALUES (?, ?, ?, ?, ?)
`, ts(ev.At), ev.Device, ev.Event, ev.Balls, ev.Target)
	if err != nil {
		return fmt.Errorf("record ball event: %w", err)
	}
	return nil
}

// ListBallEvents returns the newest limit journal rows, newest first.
func (s *Store) ListBallEvents(ctx context.Context, limit int) ([]BallEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, at, device, event, balls, target
FROM ball_events
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list ball events: %w", err)
	}
	defer rows.Close()

	var out []BallEvent
	for rows.Next() {
		var ev BallEvent
		var at string
		if err := rows.Scan(&ev.ID, &at, &ev.Device, &ev.Event, &ev.Balls, &ev.Target); err != nil {
			return nil, fmt.Errorf("scan ball event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			ev.At = t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
