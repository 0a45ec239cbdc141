// Package schema holds the record shapes the pipeline knows how to ingest and
// the registry that decides which shape an incoming file conforms to.
//
// A Definition is immutable once it has passed through NewRegistry; workers
// share the same *Definition values without synchronization.
package schema

import (
	"fmt"
	"strings"

	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
)

// DBType is the storage type declared for a canonical column.
type DBType string

const (
	Date    DBType = "DATE"
	Varchar DBType = "VARCHAR"
	BigInt  DBType = "BIGINT"
	Double  DBType = "DOUBLE"
)

// ParseDBType parses a declared db_type, case-insensitively.
func ParseDBType(s string) (DBType, error) {
	switch t := DBType(strings.ToUpper(strings.TrimSpace(s))); t {
	case Date, Varchar, BigInt, Double:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported db_type %q (want DATE, VARCHAR, BIGINT or DOUBLE)", s)
	}
}

// Numeric reports whether range rules may apply to the type.
func (t DBType) Numeric() bool { return t == BigInt || t == Double }

// Column is a canonical column with the raw header names it accepts.
type Column struct {
	Name    string
	Type    DBType
	Aliases []string
}

// candidates returns the canonical name followed by the aliases, in the order
// they are tried during resolution.
func (c Column) candidates() []string {
	out := make([]string, 0, len(c.Aliases)+1)
	out = append(out, c.Name)
	out = append(out, c.Aliases...)
	return out
}

// Definition describes one record shape and where its rows are stored.
type Definition struct {
	ID         string
	Table      string
	Keywords   []string
	Columns    []Column
	Required   []string
	UniqueKey  []string
	PrimaryKey []string

	index map[string]int
}

// Column looks up a canonical column by name.
func (d *Definition) Column(name string) (Column, bool) {
	i, ok := d.index[name]
	if !ok {
		return Column{}, false
	}
	return d.Columns[i], true
}

// Key returns the columns rows are deduplicated on: the unique key when
// declared, otherwise the primary key.
func (d *Definition) Key() []string {
	if len(d.UniqueKey) > 0 {
		return d.UniqueKey
	}
	return d.PrimaryKey
}

// ColumnNames returns canonical names in declared order.
func (d *Definition) ColumnNames() []string {
	out := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.Name
	}
	return out
}

// Resolve maps each canonical column to the index of the header cell that
// supplies it. The canonical name and aliases are tried in declared order
// against the header, exact match first; only when no candidate matches
// exactly is a case-insensitive comparison attempted. Columns with no match
// are absent from the result.
func (d *Definition) Resolve(header []string) map[string]int {
	out := make(map[string]int, len(d.Columns))
	for _, c := range d.Columns {
		if i, ok := resolveColumn(c, header); ok {
			out[c.Name] = i
		}
	}
	return out
}

func resolveColumn(c Column, header []string) (int, bool) {
	cands := c.candidates()
	for _, cand := range cands {
		for i, h := range header {
			if h == cand {
				return i, true
			}
		}
	}
	for _, cand := range cands {
		cand = strings.TrimSpace(cand)
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), cand) {
				return i, true
			}
		}
	}
	return -1, false
}

func (d *Definition) build() error {
	cfgErr := func(format string, args ...any) error {
		return pipelineerr.Newf(pipelineerr.Configuration, "schema "+d.ID, format, args...)
	}
	if strings.TrimSpace(d.ID) == "" {
		return pipelineerr.New(pipelineerr.Configuration, "schema", "schema id must not be empty")
	}
	if strings.TrimSpace(d.Table) == "" {
		return cfgErr("db_table_name must not be empty")
	}
	if len(d.Columns) == 0 {
		return cfgErr("columns_map must declare at least one column")
	}

	d.Columns = append([]Column(nil), d.Columns...)
	d.index = make(map[string]int, len(d.Columns))
	for i, c := range d.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return cfgErr("column %d has an empty name", i)
		}
		if _, dup := d.index[c.Name]; dup {
			return cfgErr("duplicate canonical column %q", c.Name)
		}
		t, err := ParseDBType(string(c.Type))
		if err != nil {
			return cfgErr("column %q: %v", c.Name, err)
		}
		d.Columns[i].Type = t
		d.index[c.Name] = i
	}

	for _, group := range []struct {
		field string
		cols  []string
	}{
		{"required_columns", d.Required},
		{"unique_key", d.UniqueKey},
		{"primary_key", d.PrimaryKey},
	} {
		for _, name := range group.cols {
			if _, ok := d.index[name]; !ok {
				return cfgErr("%s references %q which is not in columns_map", group.field, name)
			}
		}
	}
	if len(d.Key()) == 0 {
		return cfgErr("unique_key or primary_key must be declared")
	}
	return nil
}

// Quarantine column names the pipeline fills in itself.
const (
	QuarantineReason    = "quarantine_reason"
	QuarantineSource    = "source_file"
	QuarantineMember    = "source_member"
	QuarantineSchemaID  = "schema_id"
	QuarantineRowNumber = "row_number"
	QuarantineRawRecord = "raw_record"
	QuarantineRunID     = "run_id"
	QuarantineAt        = "quarantined_at"
)

// QuarantineTable describes the shared, append-only table for rejected rows.
type QuarantineTable struct {
	Table   string
	Columns []Column
}

// Has reports whether the table declares column name.
func (q QuarantineTable) Has(name string) bool {
	for _, c := range q.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (q QuarantineTable) validate() error {
	op := "quarantine_table_schema"
	if strings.TrimSpace(q.Table) == "" {
		return pipelineerr.New(pipelineerr.Configuration, op, "db_table_name must not be empty")
	}
	seen := make(map[string]bool, len(q.Columns))
	for _, c := range q.Columns {
		if seen[c.Name] {
			return pipelineerr.Newf(pipelineerr.Configuration, op, "duplicate column %q", c.Name)
		}
		seen[c.Name] = true
	}
	for _, must := range []string{QuarantineReason, QuarantineSource} {
		if !seen[must] {
			return pipelineerr.Newf(pipelineerr.Configuration, op, "missing mandatory column %q", must)
		}
	}
	return nil
}
