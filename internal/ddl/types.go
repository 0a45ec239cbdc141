package ddl

import "github.com/hsp1234-web/SP-DATA/internal/schema"

// ColumnDef describes a single column in a table definition.
//
// Fields:
//   - Name: logical column name (unquoted; quoting happens at render time)
//   - SQLType: dialect type name (e.g., VARCHAR, BIGINT, DOUBLE PRECISION)
//   - DBType: the declared storage type the SQL type was derived from
//   - Nullable: whether NULL is allowed
//   - PrimaryKey: whether the column is part of the primary key
type ColumnDef struct {
	Name       string
	SQLType    string
	DBType     schema.DBType
	Nullable   bool
	PrimaryKey bool
}

// TableDef holds the table name (FQN, dotted form allowed) and its columns
// in order. UniqueKey, when set and different from the primary key, is
// rendered as an extra UNIQUE constraint; it is the conflict target for
// upserts.
type TableDef struct {
	FQN       string
	Columns   []ColumnDef
	UniqueKey []string
}

// ColumnNames returns the column names in order.
func (t TableDef) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// PrimaryKey returns the names of primary-key columns in order.
func (t TableDef) PrimaryKey() []string {
	var out []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			out = append(out, c.Name)
		}
	}
	return out
}

// ConflictKey is the column list upserts resolve conflicts on: the unique
// key when declared, otherwise the primary key.
func (t TableDef) ConflictKey() []string {
	if len(t.UniqueKey) > 0 {
		return t.UniqueKey
	}
	return t.PrimaryKey()
}

// TypeMap maps declared storage types to a dialect's SQL type names.
type TypeMap map[schema.DBType]string

// StandardTypes uses the declared names unchanged.
var StandardTypes = TypeMap{
	schema.Date:    "DATE",
	schema.Varchar: "VARCHAR",
	schema.BigInt:  "BIGINT",
	schema.Double:  "DOUBLE",
}
