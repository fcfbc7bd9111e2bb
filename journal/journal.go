// Package journal keeps a SQLite record of every patch a session
// attempts. It survives the process, so a later run (or the CLI) can
// show what was installed, when, and how.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS patches (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	session  TEXT NOT NULL,
	time     INTEGER NOT NULL,
	module   TEXT NOT NULL,
	func     TEXT NOT NULL,
	hash     TEXT NOT NULL,
	strategy TEXT NOT NULL,
	error    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS patches_func ON patches (func);`

// Entry is one patch attempt.
type Entry struct {
	ID       int64
	Session  uuid.UUID
	Time     time.Time
	Module   string
	Func     string
	Hash     string
	Strategy string

	// Err is empty for patches that were installed.
	Err string
}

// OK reports whether the patch was installed.
func (e Entry) OK() bool {
	return e.Err == ""
}

// Journal appends entries for one session.
type Journal struct {
	db      *sql.DB
	session uuid.UUID
	mu      sync.Mutex
}

// Open opens or creates the journal at path and starts a new session.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}

	return &Journal{db: db, session: uuid.New()}, nil
}

// Session returns the identifier entries of this journal are recorded
// under.
func (j *Journal) Session() uuid.UUID {
	return j.session
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends e. Session and Time are filled in when unset.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Session == uuid.Nil {
		e.Session = j.session
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	_, err := j.db.ExecContext(ctx,
		"INSERT INTO patches (session, time, module, func, hash, strategy, error) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.Session.String(), e.Time.UnixNano(), e.Module, e.Func, e.Hash, e.Strategy, e.Err,
	)
	if err != nil {
		return fmt.Errorf("recording patch of %s: %w", e.Func, err)
	}
	return nil
}

// Filter selects entries for History. Zero fields match everything.
type Filter struct {
	Session uuid.UUID
	Module  string
	Func    string

	// Limit caps the number of entries, newest first.
	Limit int
}

// History returns matching entries, newest first.
func (j *Journal) History(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Session != uuid.Nil {
		where = append(where, "session = ?")
		args = append(args, f.Session.String())
	}
	if f.Module != "" {
		where = append(where, "module = ?")
		args = append(args, f.Module)
	}
	if f.Func != "" {
		where = append(where, "func = ?")
		args = append(args, f.Func)
	}

	q := "SELECT id, session, time, module, func, hash, strategy, error FROM patches"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			session string
			nanos   int64
		)
		if err := rows.Scan(&e.ID, &session, &nanos, &e.Module, &e.Func, &e.Hash, &e.Strategy, &e.Err); err != nil {
			return nil, fmt.Errorf("reading journal: %w", err)
		}
		e.Session, err = uuid.Parse(session)
		if err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", e.ID, err)
		}
		e.Time = time.Unix(0, nanos)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
