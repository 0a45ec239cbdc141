// Package ddl models the tables the pipeline writes and renders their
// CREATE TABLE statements.
//
// The rendered SQL is deliberately portable across the supported stores
// (DuckDB, SQLite, Postgres): identifiers are double-quoted, the statement
// is CREATE TABLE IF NOT EXISTS, and keys are table constraints. Dialect
// differences are limited to type names, supplied through a TypeMap.
package ddl

import (
	"fmt"
	"strings"

	"github.com/hsp1234-web/SP-DATA/internal/schema"
)

// ForSchema derives the table for a schema. The primary key is the declared
// primary key, or the unique key when none is declared; a unique key that
// differs from the primary key becomes a UNIQUE constraint. Key columns are
// NOT NULL.
func ForSchema(def *schema.Definition, types TypeMap) (TableDef, error) {
	pk := def.PrimaryKey
	if len(pk) == 0 {
		pk = def.UniqueKey
	}
	inPK := toSet(pk)
	inKey := toSet(def.Key())

	t := TableDef{FQN: def.Table}
	if len(def.PrimaryKey) > 0 && len(def.UniqueKey) > 0 && !sameCols(def.PrimaryKey, def.UniqueKey) {
		t.UniqueKey = append([]string(nil), def.UniqueKey...)
	}
	for _, c := range def.Columns {
		typ, ok := types[c.Type]
		if !ok {
			return TableDef{}, fmt.Errorf("ddl: no SQL type for %s (column %s)", c.Type, c.Name)
		}
		t.Columns = append(t.Columns, ColumnDef{
			Name:       c.Name,
			SQLType:    typ,
			DBType:     c.Type,
			Nullable:   !inPK[c.Name] && !inKey[c.Name],
			PrimaryKey: inPK[c.Name],
		})
	}
	return t, nil
}

// ForQuarantine derives the append-only quarantine table. It has no keys;
// the reason and source columns are NOT NULL.
func ForQuarantine(q schema.QuarantineTable, types TypeMap) (TableDef, error) {
	t := TableDef{FQN: q.Table}
	for _, c := range q.Columns {
		typ, ok := types[c.Type]
		if !ok {
			return TableDef{}, fmt.Errorf("ddl: no SQL type for %s (column %s)", c.Type, c.Name)
		}
		t.Columns = append(t.Columns, ColumnDef{
			Name:     c.Name,
			SQLType:  typ,
			DBType:   c.Type,
			Nullable: c.Name != schema.QuarantineReason && c.Name != schema.QuarantineSource,
		})
	}
	return t, nil
}

// BuildCreateTableSQL renders:
//
//	CREATE TABLE IF NOT EXISTS "table" (
//	  "col1" TYPE [NOT NULL],
//	  ...,
//	  [PRIMARY KEY ("pk1", ...)],
//	  [UNIQUE ("u1", ...)]
//	);
func BuildCreateTableSQL(t TableDef) (string, error) {
	fqn := strings.TrimSpace(t.FQN)
	if fqn == "" {
		return "", fmt.Errorf("ddl: table FQN must not be empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("ddl: at least one column is required")
	}

	cols := make([]string, 0, len(t.Columns)+2)
	pks := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return "", fmt.Errorf("ddl: column with empty name in table %s", fqn)
		}
		typ := strings.TrimSpace(c.SQLType)
		if typ == "" {
			return "", fmt.Errorf("ddl: column %s missing SQLType", name)
		}
		def := QuoteIdent(name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
		if c.PrimaryKey {
			pks = append(pks, QuoteIdent(name))
		}
	}
	if len(pks) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}
	if len(t.UniqueKey) > 0 {
		cols = append(cols, fmt.Sprintf("UNIQUE (%s)", strings.Join(QuoteAll(t.UniqueKey), ", ")))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", QuoteFQN(fqn), strings.Join(cols, ",\n  ")), nil
}

// QuoteIdent double-quotes a single identifier segment.
func QuoteIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// QuoteFQN quotes each dot-separated segment of name.
func QuoteFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// QuoteAll quotes every identifier in ids.
func QuoteAll(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = QuoteIdent(id)
	}
	return out
}

func toSet(cols []string) map[string]bool {
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return m
}

func sameCols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := toSet(a)
	for _, c := range b {
		if !sa[c] {
			return false
		}
	}
	return true
}
