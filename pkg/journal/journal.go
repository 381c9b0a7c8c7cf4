// Package journal persists events received from the backend so they can be
// inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rexliu/evolink/pkg/duplex"
)

// Entry is a persisted event.
type Entry struct {
	Seq        int64
	Kind       duplex.EventKind
	ReceivedAt time.Time
	Data       string
	Error      string
}

// Store owns the SQLite journal database.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK (kind IN ('open','message','error','close')),
			received_at INTEGER NOT NULL,
			data TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Append records ev and returns its sequence number.
func (s *Store) Append(ctx context.Context, ev duplex.Event) (int64, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	var data, errText *string
	if len(ev.Data) > 0 {
		v := string(ev.Data)
		data = &v
	}
	if ev.Err != nil {
		v := ev.Err.Error()
		errText = &v
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(kind, received_at, data, error) VALUES(?,?,?,?)`,
		string(ev.Kind), at.UnixMilli(), data, errText)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest last.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, received_at, data, error FROM (
			SELECT seq, kind, received_at, data, error
			FROM events ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry    Entry
			kind     string
			received int64
			data     *string
			errText  *string
		)
		if err := rows.Scan(&entry.Seq, &kind, &received, &data, &errText); err != nil {
			return nil, err
		}
		entry.Kind = duplex.EventKind(kind)
		entry.ReceivedAt = time.UnixMilli(received)
		if data != nil {
			entry.Data = *data
		}
		if errText != nil {
			entry.Error = *errText
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns the number of journaled events of the given kind, or of all
// kinds when kind is empty.
func (s *Store) Count(ctx context.Context, kind duplex.EventKind) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE kind = ?`, string(kind)).Scan(&n)
	}
	return n, err
}
