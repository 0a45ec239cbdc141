// Package storage defines the analytical store contract the pipeline loads
// into and the backend registry behind storage.New.
//
// A Store creates tables if absent and hands out Batches. A Batch belongs to
// one top-level input file: accepted rows for any number of tables and
// quarantined rows are staged through it and become visible together at
// Commit, or not at all.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hsp1234-web/SP-DATA/internal/ddl"
)

// ConflictStrategy resolves rows that share a table's unique key.
type ConflictStrategy string

const (
	// Replace keeps the most recently loaded row.
	Replace ConflictStrategy = "REPLACE"
	// Ignore keeps the first loaded row.
	Ignore ConflictStrategy = "IGNORE"
)

// ParseConflict parses a strategy name case-insensitively.
func ParseConflict(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(strings.ToUpper(strings.TrimSpace(s))) {
	case Replace:
		return Replace, nil
	case Ignore:
		return Ignore, nil
	}
	return "", fmt.Errorf("storage: unknown conflict strategy %q (want REPLACE or IGNORE)", s)
}

// Row is one accepted record aligned to its table's columns. Line orders rows
// of the same batch for conflict resolution.
type Row struct {
	Line   int64
	Values []any
}

// QuarantineRow is one rejected record with its diagnostics.
type QuarantineRow struct {
	SchemaID string
	Source   string
	Member   string
	Line     int64
	Header   []string
	Raw      map[string]string
	Reason   string
	RunID    string
	At       time.Time
}

// TableReport counts the outcome of loading one table.
type TableReport struct {
	Table      string
	Staged     int64
	Written    int64
	Duplicates int64
}

// LoadReport summarizes a committed batch.
type LoadReport struct {
	Tables      []TableReport
	Quarantined int64
}

// Staged is the number of accepted rows staged across tables.
func (r LoadReport) Staged() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Staged
	}
	return n
}

// Written is the number of rows inserted or updated across tables.
func (r LoadReport) Written() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Written
	}
	return n
}

// Store is a concurrency-safe analytical store.
type Store interface {
	// EnsureTable creates t if it does not exist. Calls are serialized and
	// memoized per table.
	EnsureTable(ctx context.Context, t ddl.TableDef) error
	// Begin starts a batch. Batches may be staged concurrently.
	Begin(ctx context.Context) (Batch, error)
	// Types maps declared column types to the store's SQL types.
	Types() ddl.TypeMap
	Close() error
}

// Batch stages rows for an atomic commit. A Batch is not safe for
// concurrent use.
type Batch interface {
	// Load stages accepted rows for t under strategy. It may be called
	// repeatedly for the same table with the same strategy.
	Load(ctx context.Context, t ddl.TableDef, rows []Row, strategy ConflictStrategy) error
	// Quarantine stages rows for the append-only quarantine table q.
	Quarantine(ctx context.Context, q ddl.TableDef, rows []QuarantineRow) error
	// Commit merges every staged row in one transaction.
	Commit(ctx context.Context) (LoadReport, error)
	// Rollback discards staged rows. It is a no-op after Commit.
	Rollback() error
}

// Config selects and configures a backend.
type Config struct {
	Kind      string
	DSN       string
	BatchSize int
	Logger    *zap.Logger
}

// DefaultBatchSize is the number of staged rows buffered per flush.
const DefaultBatchSize = 5000

// Factory opens a Store for cfg.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the factory for kind. Backends call it
// from init.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New opens the Store registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Store, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered kinds, sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
