package storage

import (
	"fmt"
	"strings"

	"github.com/hsp1234-web/SP-DATA/internal/ddl"
)

// LineColumn orders staged rows by their position in the source file.
const LineColumn = "__line"

// StageSQL creates an empty temporary table shaped like target plus the line
// column.
func StageSQL(stage string, target ddl.TableDef) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s, CAST(0 AS BIGINT) AS %s FROM %s WHERE 1 = 0",
		ddl.QuoteIdent(stage),
		strings.Join(ddl.QuoteAll(target.ColumnNames()), ", "),
		ddl.QuoteIdent(LineColumn),
		ddl.QuoteFQN(target.FQN),
	)
}

// MergeSQL upserts the staged rows into target. Within the stage only one row
// per key survives: the last line for Replace, the first for Ignore. Replace
// overwrites non-key columns of existing rows; Ignore keeps existing rows.
//
// When the conflict key differs from the primary key, the stage is also
// reduced to one row per primary key, and rows whose primary key already
// belongs to a target row with another conflict key are left out.
func MergeSQL(stage string, target ddl.TableDef, strategy ConflictStrategy) (string, error) {
	key := target.ConflictKey()
	if len(key) == 0 {
		return "", fmt.Errorf("storage: table %s has no conflict key", target.FQN)
	}
	order := "DESC"
	if strategy == Ignore {
		order = "ASC"
	}
	cols := strings.Join(ddl.QuoteAll(target.ColumnNames()), ", ")
	rn := ddl.QuoteIdent("__rn")

	from := fmt.Sprintf("(SELECT *, row_number() OVER (PARTITION BY %s ORDER BY %s %s) AS %s FROM %s) s WHERE %s = 1",
		strings.Join(ddl.QuoteAll(key), ", "),
		ddl.QuoteIdent(LineColumn), order, rn,
		ddl.QuoteIdent(stage), rn,
	)
	if pk := target.PrimaryKey(); len(pk) > 0 && !sameKey(pk, key) {
		pkrn := ddl.QuoteIdent("__pkrn")
		from = fmt.Sprintf("(SELECT *, row_number() OVER (PARTITION BY %s ORDER BY %s %s) AS %s FROM %s) s WHERE %s = 1 AND NOT EXISTS (SELECT 1 FROM %s t WHERE %s AND NOT (%s))",
			strings.Join(ddl.QuoteAll(pk), ", "),
			ddl.QuoteIdent(LineColumn), order, pkrn,
			from, pkrn,
			ddl.QuoteFQN(target.FQN), keyEquals(pk), keyEquals(key),
		)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM %s", ddl.QuoteFQN(target.FQN), cols, cols, from)
	fmt.Fprintf(&b, " ON CONFLICT (%s)", strings.Join(ddl.QuoteAll(key), ", "))

	sets := updateColumns(target)
	if strategy == Ignore || len(sets) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String(), nil
}

// keyEquals renders "t.c = s.c AND ..." over cols.
func keyEquals(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		q := ddl.QuoteIdent(c)
		parts[i] = fmt.Sprintf("t.%s = s.%s", q, q)
	}
	return strings.Join(parts, " AND ")
}

func sameKey(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, c := range a {
		seen[c] = true
	}
	for _, c := range b {
		if !seen[c] {
			return false
		}
	}
	return true
}

// updateColumns renders "col = excluded.col" for every column outside the
// conflict and primary keys.
func updateColumns(t ddl.TableDef) []string {
	skip := make(map[string]bool)
	for _, c := range t.ConflictKey() {
		skip[c] = true
	}
	for _, c := range t.PrimaryKey() {
		skip[c] = true
	}
	var out []string
	for _, c := range t.ColumnNames() {
		if skip[c] {
			continue
		}
		q := ddl.QuoteIdent(c)
		out = append(out, fmt.Sprintf("%s = excluded.%s", q, q))
	}
	return out
}

// AppendSQL inserts every staged row into target in line order.
func AppendSQL(stage string, target ddl.TableDef) string {
	cols := strings.Join(ddl.QuoteAll(target.ColumnNames()), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ORDER BY %s",
		ddl.QuoteFQN(target.FQN), cols, cols, ddl.QuoteIdent(stage), ddl.QuoteIdent(LineColumn))
}

// DistinctKeysSQL counts the distinct conflict keys in the stage.
func DistinctKeysSQL(stage string, target ddl.TableDef) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM (SELECT 1 FROM %s GROUP BY %s) k",
		ddl.QuoteIdent(stage), strings.Join(ddl.QuoteAll(target.ConflictKey()), ", "))
}

// DropSQL drops a stage.
func DropSQL(stage string) string {
	return "DROP TABLE IF EXISTS " + ddl.QuoteIdent(stage)
}

// InsertSQL renders a multi-row INSERT with rows tuples of placeholders.
// placeholder receives the 1-based parameter index.
func InsertSQL(table string, columns []string, rows int, placeholder func(i int) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", ddl.QuoteFQN(table), strings.Join(ddl.QuoteAll(columns), ", "))
	n := 0
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString(placeholder(n))
		}
		b.WriteByte(')')
	}
	return b.String()
}
