// Package duckdb registers the "duckdb" storage backend, the default
// analytical store. It runs in-process through database/sql; merges and DDL
// are serialized because concurrent DuckDB transactions touching the same
// table abort on conflict.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/hsp1234-web/SP-DATA/internal/ddl"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
	"github.com/hsp1234-web/SP-DATA/internal/storage/sqlstore"
)

// Kind is the storage kind this package registers.
const Kind = "duckdb"

// Dialect is the sqlstore dialect for DuckDB.
var Dialect = sqlstore.Dialect{
	Name:            Kind,
	Types:           ddl.StandardTypes,
	Placeholder:     sqlstore.QuestionMark,
	SerializeWrites: true,
	MaxParams:       30000,
}

// Open opens (creating if needed) the DuckDB database file at cfg.DSN. An
// empty DSN opens an in-memory database.
func Open(ctx context.Context, cfg storage.Config) (*sqlstore.Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn != "" && !strings.Contains(dsn, "?") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("duckdb: create database dir: %w", err)
		}
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open: %w", err)
	}
	return sqlstore.Open(ctx, db, Dialect, cfg)
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
