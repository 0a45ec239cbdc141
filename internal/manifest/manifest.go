// Package manifest records which input files have been ingested, keyed by
// content fingerprint. It is the only state the pipeline consults to decide
// whether a file needs processing.
//
// The store is a SQLite database opened with a single connection, so every
// operation is serialized and the store is safe for concurrent use by all
// workers.
package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the outcome recorded for a file.
type Status string

const (
	Processing Status = "processing"
	Succeeded  Status = "succeeded"
	Failed     Status = "failed"
)

// Entry is one file's manifest record.
type Entry struct {
	Fingerprint string
	FileName    string
	RunID       string
	Mode        string
	Status      Status
	Accepted    int64
	Quarantined int64
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

const createTable = `CREATE TABLE IF NOT EXISTS file_manifest (
  fingerprint TEXT PRIMARY KEY,
  file_name   TEXT NOT NULL,
  run_id      TEXT NOT NULL DEFAULT '',
  mode        TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL,
  accepted    INTEGER NOT NULL DEFAULT 0,
  quarantined INTEGER NOT NULL DEFAULT 0,
  error       TEXT NOT NULL DEFAULT '',
  started_at  TEXT NOT NULL DEFAULT '',
  finished_at TEXT NOT NULL DEFAULT ''
)`

const upsert = `INSERT INTO file_manifest
  (fingerprint, file_name, run_id, mode, status, accepted, quarantined, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (fingerprint) DO UPDATE SET
  file_name = excluded.file_name,
  run_id = excluded.run_id,
  mode = excluded.mode,
  status = excluded.status,
  accepted = excluded.accepted,
  quarantined = excluded.quarantined,
  error = excluded.error,
  started_at = excluded.started_at,
  finished_at = excluded.finished_at`

const selectCols = `fingerprint, file_name, run_id, mode, status, accepted, quarantined, error, started_at, finished_at`

// Store is a SQLite-backed manifest.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the manifest database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("manifest: path must not be empty")
	}
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{"busy_timeout(5000)", "journal_mode(WAL)"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("manifest: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: create table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// IsProcessed reports whether fp was ingested successfully. Failed and
// in-flight entries are not processed.
func (s *Store) IsProcessed(ctx context.Context, fp string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM file_manifest WHERE fingerprint = ?`, fp).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("manifest: is processed: %w", err)
	}
	return Status(status) == Succeeded, nil
}

// Begin records that processing of e started. Any previous entry for the
// fingerprint is replaced.
func (s *Store) Begin(ctx context.Context, e Entry) error {
	e.Status = Processing
	e.Accepted, e.Quarantined, e.Error = 0, 0, ""
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}
	e.FinishedAt = time.Time{}
	return s.put(ctx, "begin", e)
}

// Record writes the final state of e. FinishedAt defaults to now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.Status == "" {
		e.Status = Succeeded
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = s.now()
	}
	return s.put(ctx, "record", e)
}

// MarkFailed flags fp as failed with cause. A fingerprint without an entry
// gets one.
func (s *Store) MarkFailed(ctx context.Context, fp string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO file_manifest (fingerprint, file_name, status, error, started_at, finished_at)
VALUES (?, '', ?, ?, ?, ?)
ON CONFLICT (fingerprint) DO UPDATE SET status = excluded.status, error = excluded.error, finished_at = excluded.finished_at`,
		fp, string(Failed), msg, now, now)
	if err != nil {
		return fmt.Errorf("manifest: mark failed: %w", err)
	}
	return nil
}

// Get returns the entry for fp.
func (s *Store) Get(ctx context.Context, fp string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM file_manifest WHERE fingerprint = ?`, fp)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("manifest: get: %w", err)
	}
	return e, true, nil
}

// List returns every entry ordered by file name then fingerprint.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectCols+` FROM file_manifest ORDER BY file_name, fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("manifest: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("manifest: list: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) put(ctx context.Context, op string, e Entry) error {
	if e.Fingerprint == "" {
		return fmt.Errorf("manifest: %s: empty fingerprint", op)
	}
	_, err := s.db.ExecContext(ctx, upsert,
		e.Fingerprint, e.FileName, e.RunID, e.Mode, string(e.Status),
		e.Accepted, e.Quarantined, e.Error,
		formatTime(e.StartedAt), formatTime(e.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("manifest: %s: %w", op, err)
	}
	return nil
}

type scanner interface{ Scan(dest ...any) error }

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                 Entry
		status            string
		started, finished string
	)
	if err := sc.Scan(&e.Fingerprint, &e.FileName, &e.RunID, &e.Mode, &status,
		&e.Accepted, &e.Quarantined, &e.Error, &started, &finished); err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	e.StartedAt = parseTime(started)
	e.FinishedAt = parseTime(finished)
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
