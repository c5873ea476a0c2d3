// Package journal persists error reports raised to the hosting environment
// in a small SQLite database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"

	"github.com/cryguy/workerpool/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS errors (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id  INTEGER NOT NULL,
	message    TEXT    NOT NULL,
	handled    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
)`

// Entry is one journaled error report.
type Entry struct {
	ID        int64
	WorkerID  core.WorkerID
	Message   string
	Handled   bool
	CreatedAt time.Time
}

// Journal is safe for concurrent use.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating journal directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Record appends rep to the journal.
func (j *Journal) Record(ctx context.Context, rep core.ErrorReport, handled bool) error {
	h := 0
	if handled {
		h = 1
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO errors (worker_id, message, handled, created_at) VALUES (?, ?, ?, ?)",
		int(rep.Source), rep.Message, h, j.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("recording error from worker %d: %w", rep.Source, err)
	}
	return nil
}

// List returns up to limit entries, oldest first. limit <= 0 returns all.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	q := "SELECT id, worker_id, message, handled, created_at FROM errors ORDER BY id"
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			worker  int
			handled int
			created int64
		)
		if err := rows.Scan(&e.ID, &worker, &e.Message, &handled, &created); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		e.WorkerID = core.WorkerID(worker)
		e.Handled = handled != 0
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
