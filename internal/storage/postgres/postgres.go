// Package postgres registers the "postgres" storage backend using pgx v5.
// Batches COPY rows into a session-private temporary table and merge it into
// the target with INSERT ... ON CONFLICT; concurrent batches rely on
// Postgres row locks rather than an in-process writer lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hsp1234-web/SP-DATA/internal/ddl"
	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
)

// Kind is the storage kind this package registers.
const Kind = "postgres"

// Types maps declared types onto Postgres types.
var Types = ddl.TypeMap{
	schema.Date:    "DATE",
	schema.Varchar: "VARCHAR",
	schema.BigInt:  "BIGINT",
	schema.Double:  "DOUBLE PRECISION",
}

// Store is a Postgres-backed storage.Store.
type Store struct {
	pool    *pgxpool.Pool
	cfg     storage.Config
	ensurer *storage.TableEnsurer
}

var _ storage.Store = (*Store)(nil)

// newPool is a test hook.
var newPool = pgxpool.New

// Open connects to cfg.DSN and verifies the connection.
func Open(ctx context.Context, cfg storage.Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: DSN must not be empty")
	}
	pool, err := newPool(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", describe(err))
	}
	s := &Store{pool: pool, cfg: cfg}
	s.ensurer = storage.NewTableEnsurer(func(ctx context.Context, q string) error {
		if _, err := pool.Exec(ctx, q); err != nil {
			return describe(err)
		}
		return nil
	})
	return s, nil
}

// EnsureTable implements storage.Store.
func (s *Store) EnsureTable(ctx context.Context, t ddl.TableDef) error {
	return s.ensurer.Ensure(ctx, t)
}

// Begin implements storage.Store. The batch holds one pooled connection so
// its temporary tables stay visible.
func (s *Store) Begin(ctx context.Context) (storage.Batch, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, storage.Wrap("begin", fmt.Errorf("postgres: acquire: %w", err))
	}
	return storage.NewBatch(&session{conn: conn}, storage.BatchOptions{
		BatchSize: s.cfg.BatchSize,
		Logger:    s.cfg.Logger,
	}), nil
}

// Types implements storage.Store.
func (s *Store) Types() ddl.TypeMap { return Types }

// Pool exposes the connection pool for read queries.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type session struct {
	conn *pgxpool.Conn
}

func (c *session) Exec(ctx context.Context, query string) (int64, error) {
	tag, err := c.conn.Exec(ctx, query)
	if err != nil {
		return 0, describe(err)
	}
	return tag.RowsAffected(), nil
}

func (c *session) QueryInt(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := c.conn.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, describe(err)
	}
	return n, nil
}

func (c *session) Copy(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	n, err := c.conn.CopyFrom(ctx, splitFQN(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", table, describe(err))
	}
	return n, nil
}

func (c *session) Tx(ctx context.Context, fn func(exec func(context.Context, string) (int64, error)) error) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	exec := func(ctx context.Context, q string) (int64, error) {
		tag, err := tx.Exec(ctx, q)
		if err != nil {
			return 0, describe(err)
		}
		return tag.RowsAffected(), nil
	}
	if err := fn(exec); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", describe(err))
	}
	return nil
}

func (c *session) Release() error {
	c.conn.Release()
	return nil
}

// describe surfaces the server's detail and SQLSTATE for Postgres errors.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("%s: %s (%s): %w", pgErr.Message, pgErr.Detail, pgErr.SQLState(), err)
	}
	return err
}

// splitFQN converts "schema.table" into a pgx.Identifier {"schema","table"}.
// If no dot is present, returns {"table"}.
func splitFQN(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}

func init() {
	storage.Register(Kind, func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		s, err := Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
