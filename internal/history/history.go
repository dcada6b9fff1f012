// Package history keeps the last few caching suggestions that were accepted into the
// config, so a user can see how diagnostics moved their buffers over time.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultKeep is how many entries survive each Record.
const DefaultKeep = 10

const schema = `
CREATE TABLE IF NOT EXISTS suggestions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at_unix_ms  INTEGER NOT NULL,
	session     TEXT    NOT NULL DEFAULT '',
	source      TEXT    NOT NULL DEFAULT '',
	network_ms  INTEGER NOT NULL,
	live_ms     INTEGER NOT NULL,
	file_ms     INTEGER NOT NULL
);`

// Entry is one applied suggestion.
type Entry struct {
	ID        int64
	At        time.Time
	Session   string
	Source    string
	NetworkMS uint32
	LiveMS    uint32
	FileMS    uint32
}

// String renders "unix_seconds:network:live:file".
func (e Entry) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", e.At.Unix(), e.NetworkMS, e.LiveMS, e.FileMS)
}

type Store struct {
	db   *sql.DB
	keep int
}

// DefaultPath is <user config dir>/xtreamplay/history.db.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "xtreamplay", "history.db")
}

// Open creates the database and its directory if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, keep: DefaultKeep}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record inserts e (At defaults to now) and trims the table to the newest entries.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO suggestions (at_unix_ms, session, source, network_ms, live_ms, file_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.Session, e.Source, e.NetworkMS, e.LiveMS, e.FileMS,
	); err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM suggestions WHERE id NOT IN (SELECT id FROM suggestions ORDER BY id DESC LIMIT ?)`,
		s.keep,
	); err != nil {
		return fmt.Errorf("trim suggestions: %w", err)
	}
	return tx.Commit()
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = s.keep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at_unix_ms, session, source, network_ms, live_ms, file_ms FROM suggestions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var atMS int64
		if err := rows.Scan(&e.ID, &atMS, &e.Session, &e.Source, &e.NetworkMS, &e.LiveMS, &e.FileMS); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		e.At = time.UnixMilli(atMS)
		out = append(out, e)
	}
	return out, rows.Err()
}
