package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
)

// QuarantineKey is the reserved top-level entry describing the quarantine
// table.
const QuarantineKey = "quarantine_table_schema"

type rawColumn struct {
	DBType  string   `yaml:"db_type"`
	Aliases []string `yaml:"aliases"`
}

type rawSchema struct {
	Keywords        []string  `yaml:"keywords"`
	Table           string    `yaml:"db_table_name"`
	RequiredColumns []string  `yaml:"required_columns"`
	UniqueKey       []string  `yaml:"unique_key"`
	PrimaryKey      []string  `yaml:"primary_key"`
	ColumnsMap      yaml.Node `yaml:"columns_map"`
}

// LoadFile reads a schema document (YAML, or JSON which YAML accepts) and
// builds a registry with the given policy.
func LoadFile(path string, policy MatchPolicy) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.Configuration, "read schemas", path, err)
	}
	r, err := Parse(b, policy)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.Configuration, "load schemas", path, err)
	}
	return r, nil
}

// Parse decodes a schema document. Schema order in the document becomes the
// registry's declaration order, and columns_map order becomes column order.
func Parse(data []byte, policy MatchPolicy) (*Registry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty schema document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("schema document must be a mapping of schema id to definition")
	}

	var (
		defs     []Definition
		q        QuarantineTable
		haveQuar bool
	)
	for i := 0; i+1 < len(root.Content); i += 2 {
		id := root.Content[i].Value
		var rs rawSchema
		if err := root.Content[i+1].Decode(&rs); err != nil {
			return nil, fmt.Errorf("schema %q: %w", id, err)
		}
		cols, err := decodeColumns(id, &rs.ColumnsMap)
		if err != nil {
			return nil, err
		}
		if id == QuarantineKey {
			q = QuarantineTable{Table: rs.Table, Columns: cols}
			haveQuar = true
			continue
		}
		defs = append(defs, Definition{
			ID:         id,
			Table:      rs.Table,
			Keywords:   rs.Keywords,
			Columns:    cols,
			Required:   rs.RequiredColumns,
			UniqueKey:  rs.UniqueKey,
			PrimaryKey: rs.PrimaryKey,
		})
	}
	if !haveQuar {
		return nil, pipelineerr.Newf(pipelineerr.Configuration, "schema", "%s entry is required", QuarantineKey)
	}
	return NewRegistry(defs, q, policy)
}

func decodeColumns(id string, n *yaml.Node) ([]Column, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, pipelineerr.Newf(pipelineerr.Configuration, "schema "+id, "columns_map must be a mapping")
	}
	cols := make([]Column, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		name := n.Content[i].Value
		var rc rawColumn
		if err := n.Content[i+1].Decode(&rc); err != nil {
			return nil, fmt.Errorf("schema %q column %q: %w", id, name, err)
		}
		t, err := ParseDBType(rc.DBType)
		if err != nil {
			return nil, pipelineerr.Newf(pipelineerr.Configuration, "schema "+id, "column %q: %v", name, err)
		}
		cols = append(cols, Column{Name: name, Type: t, Aliases: rc.Aliases})
	}
	return cols, nil
}
