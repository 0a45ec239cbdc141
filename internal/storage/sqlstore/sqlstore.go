// Package sqlstore implements storage.Store over database/sql. Backends
// supply a Dialect describing their type names, placeholders and write
// concurrency; staging uses multi-row INSERTs on a connection pinned to the
// batch.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hsp1234-web/SP-DATA/internal/ddl"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
)

// Dialect captures what differs between database/sql backends.
type Dialect struct {
	Name  string
	Types ddl.TypeMap
	// Placeholder renders the i-th (1-based) bind parameter.
	Placeholder func(i int) string
	// Bind converts a value before it is passed to the driver. Nil means
	// values pass through unchanged.
	Bind func(v any) any
	// SerializeWrites holds a store-wide lock around DDL and merges, for
	// engines with a single writer.
	SerializeWrites bool
	// MaxParams bounds the bind parameters of a single INSERT.
	MaxParams int
}

// QuestionMark is the "?" placeholder style.
func QuestionMark(int) string { return "?" }

// Store is a database/sql backed storage.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	cfg     storage.Config
	ensurer *storage.TableEnsurer
	writeMu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open wraps db, failing fast when it cannot be reached. The Store owns db.
func Open(ctx context.Context, db *sql.DB, d Dialect, cfg storage.Config) (*Store, error) {
	if d.Placeholder == nil {
		d.Placeholder = QuestionMark
	}
	if d.MaxParams <= 0 {
		d.MaxParams = 999
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", d.Name, err)
	}
	s := &Store{db: db, dialect: d, cfg: cfg}
	s.ensurer = storage.NewTableEnsurer(s.exec)
	return s, nil
}

func (s *Store) exec(ctx context.Context, query string) error {
	if s.dialect.SerializeWrites {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%s: exec: %w", s.dialect.Name, err)
	}
	return nil
}

// EnsureTable implements storage.Store.
func (s *Store) EnsureTable(ctx context.Context, t ddl.TableDef) error {
	return s.ensurer.Ensure(ctx, t)
}

// Begin implements storage.Store. The batch holds one pooled connection
// until it is committed or rolled back.
func (s *Store) Begin(ctx context.Context) (storage.Batch, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, storage.Wrap("begin", fmt.Errorf("%s: acquire connection: %w", s.dialect.Name, err))
	}
	opts := storage.BatchOptions{BatchSize: s.cfg.BatchSize, Logger: s.cfg.Logger}
	if s.dialect.SerializeWrites {
		opts.WriterLock = &s.writeMu
	}
	return storage.NewBatch(&session{conn: conn, d: s.dialect}, opts), nil
}

// Types implements storage.Store.
func (s *Store) Types() ddl.TypeMap { return s.dialect.Types }

// DB exposes the underlying pool for read queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

type session struct {
	conn *sql.Conn
	d    Dialect
}

func (c *session) Exec(ctx context.Context, query string) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *session) QueryInt(ctx context.Context, query string) (int64, error) {
	var n int64
	err := c.conn.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// Copy inserts rows with as few multi-row INSERTs as MaxParams allows.
func (c *session) Copy(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("%s: copy: columns must not be empty", c.d.Name)
	}
	per := c.d.MaxParams / len(columns)
	if per < 1 {
		per = 1
	}
	var inserted int64
	args := make([]any, 0, per*len(columns))
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		args = args[:0]
		for _, row := range rows[start:end] {
			for _, v := range row {
				if c.d.Bind != nil {
					v = c.d.Bind(v)
				}
				args = append(args, v)
			}
		}
		q := storage.InsertSQL(table, columns, end-start, c.d.Placeholder)
		if _, err := c.conn.ExecContext(ctx, q, args...); err != nil {
			return inserted, fmt.Errorf("%s: insert: %w", c.d.Name, err)
		}
		inserted += int64(end - start)
	}
	return inserted, nil
}

func (c *session) Tx(ctx context.Context, fn func(exec func(context.Context, string) (int64, error)) error) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", c.d.Name, err)
	}
	exec := func(ctx context.Context, query string) (int64, error) {
		res, err := tx.ExecContext(ctx, query)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	if err := fn(exec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", c.d.Name, err)
	}
	return nil
}

func (c *session) Release() error { return c.conn.Close() }
