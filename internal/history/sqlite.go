package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Dispatch is one recorded dispatch attempt.
type Dispatch struct {
	ID           string    `json:"id"`
	Day          string    `json:"day"`
	Title        string    `json:"title"`
	Template     string    `json:"template,omitempty"`
	Function     string    `json:"function"`
	FireTime     int       `json:"fire_time"`
	DispatchedAt time.Time `json:"dispatched_at"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
}

// NextFire is the next pending fire time of one template.
type NextFire struct {
	Template  string    `json:"template"`
	Day       string    `json:"day"`
	FireTime  int       `json:"fire_time"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recorder keeps the dispatch ledger.
type Recorder interface {
	RecordDispatch(ctx context.Context, d Dispatch) (string, error)
	// ReplaceNextFires swaps the whole next-fire table for fires.
	ReplaceNextFires(ctx context.Context, day string, fires map[string]int) error
	ListDispatches(ctx context.Context, limit int) ([]Dispatch, error)
	ListNextFires(ctx context.Context) ([]NextFire, error)
	// Prune keeps the most recent keep dispatches.
	Prune(ctx context.Context, keep int) (int, error)
	Close() error
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS dispatches (
  id TEXT PRIMARY KEY,
  day TEXT NOT NULL,
  title TEXT NOT NULL,
  template TEXT NOT NULL DEFAULT '',
  function TEXT NOT NULL,
  fire_time INTEGER NOT NULL,
  dispatched_at TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_dispatches_at ON dispatches(dispatched_at DESC);
CREATE TABLE IF NOT EXISTS next_fires (
  template TEXT PRIMARY KEY,
  day TEXT NOT NULL,
  fire_time INTEGER NOT NULL,
  updated_at TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteRecorder struct{ db *sql.DB }

// Open opens (creating if needed) the ledger at path.
func Open(path string) (Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "history dir")
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ensure history schema")
	}
	return NewSQLiteRecorder(db), nil
}

func NewSQLiteRecorder(db *sql.DB) Recorder { return &sqliteRecorder{db: db} }

func (r *sqliteRecorder) Close() error { return r.db.Close() }

func (r *sqliteRecorder) RecordDispatch(ctx context.Context, d Dispatch) (string, error) {
	id := d.ID
	if id == "" {
		id = "dsp_" + uuid.NewString()
	}
	if d.DispatchedAt.IsZero() {
		d.DispatchedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO dispatches (id,day,title,template,function,fire_time,dispatched_at,success,error)
VALUES (?,?,?,?,?,?,?,?,?)
`, id, d.Day, d.Title, d.Template, d.Function, d.FireTime, formatTime(d.DispatchedAt), d.Success, nullStr(d.Error))
	return id, err
}

func (r *sqliteRecorder) ReplaceNextFires(ctx context.Context, day string, fires map[string]int) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM next_fires`); err != nil {
		return err
	}
	now := formatTime(time.Now())
	for tmpl, at := range fires {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO next_fires (template,day,fire_time,updated_at) VALUES (?,?,?,?)`, tmpl, day, at, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRecorder) ListDispatches(ctx context.Context, limit int) ([]Dispatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,day,title,template,function,fire_time,dispatched_at,success,error
FROM dispatches ORDER BY dispatched_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		var at string
		var errStr sql.NullString
		if err := rows.Scan(&d.ID, &d.Day, &d.Title, &d.Template, &d.Function, &d.FireTime, &at, &d.Success, &errStr); err != nil {
			return nil, err
		}
		d.DispatchedAt, _ = time.Parse(time.RFC3339Nano, at)
		d.Error = errStr.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *sqliteRecorder) ListNextFires(ctx context.Context) ([]NextFire, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT template,day,fire_time,updated_at FROM next_fires ORDER BY fire_time, template`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NextFire
	for rows.Next() {
		var n NextFire
		var at string
		if err := rows.Scan(&n.Template, &n.Day, &n.FireTime, &at); err != nil {
			return nil, err
		}
		n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *sqliteRecorder) Prune(ctx context.Context, keep int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM dispatches WHERE id NOT IN (
  SELECT id FROM dispatches ORDER BY dispatched_at DESC, rowid DESC LIMIT ?
)`, keep)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
