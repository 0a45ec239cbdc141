// Package sqlite registers the "sqlite" storage backend: a pure-Go SQLite
// database (modernc.org/sqlite) behind the generic sqlstore.
//
// SQLite has a single writer, so merges and DDL are serialized in-process
// and the busy timeout absorbs contention from staging connections.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hsp1234-web/SP-DATA/internal/ddl"
	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
	"github.com/hsp1234-web/SP-DATA/internal/storage/sqlstore"
)

// Kind is the storage kind this package registers.
const Kind = "sqlite"

// Types maps declared types onto SQLite affinities. Dates are stored as
// ISO-8601 text.
var Types = ddl.TypeMap{
	schema.Date:    "TEXT",
	schema.Varchar: "TEXT",
	schema.BigInt:  "INTEGER",
	schema.Double:  "REAL",
}

// Dialect is the sqlstore dialect for SQLite.
var Dialect = sqlstore.Dialect{
	Name:            Kind,
	Types:           Types,
	Placeholder:     sqlstore.QuestionMark,
	Bind:            bind,
	SerializeWrites: true,
	MaxParams:       32766,
}

func bind(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format("2006-01-02")
	}
	return v
}

// DSN turns a file path into a DSN with WAL and a busy timeout. DSNs that
// already carry a scheme or query are returned unchanged.
func DSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?" + url.Values{
		"_pragma": []string{"busy_timeout(10000)", "journal_mode(WAL)"},
	}.Encode()
}

// Open opens the SQLite store at cfg.DSN.
func Open(ctx context.Context, cfg storage.Config) (*sqlstore.Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", DSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
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
