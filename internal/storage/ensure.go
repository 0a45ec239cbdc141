package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/hsp1234-web/SP-DATA/internal/ddl"
)

// ExecFn applies a DDL statement.
type ExecFn func(ctx context.Context, query string) error

// TableEnsurer applies CREATE TABLE IF NOT EXISTS at most once per table.
// Calls are serialized so concurrent workers racing on a new table issue a
// single statement.
type TableEnsurer struct {
	exec ExecFn

	mu   sync.Mutex
	done map[string]bool
}

// NewTableEnsurer returns a TableEnsurer applying DDL through exec.
func NewTableEnsurer(exec ExecFn) *TableEnsurer {
	return &TableEnsurer{exec: exec, done: make(map[string]bool)}
}

// Ensure creates t unless an earlier call already did. Failures are not
// memoized.
func (e *TableEnsurer) Ensure(ctx context.Context, t ddl.TableDef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done[t.FQN] {
		return nil
	}
	stmt, err := ddl.BuildCreateTableSQL(t)
	if err != nil {
		return Wrap("ensure table", err)
	}
	if err := e.exec(ctx, stmt); err != nil {
		return Wrap("ensure table", fmt.Errorf("create %s: %w", t.FQN, err))
	}
	e.done[t.FQN] = true
	return nil
}
