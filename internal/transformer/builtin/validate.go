package builtin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/transformer"
)

// Engine decides, row by row, whether a normalized record is accepted or
// quarantined. It holds only compiled, read-only rules and is safe for
// concurrent use.
type Engine struct {
	rules *RuleSet
}

// NewEngine returns an engine over rs. A nil rs means no rules beyond the
// schema's required columns and declared types.
func NewEngine(rs *RuleSet) *Engine { return &Engine{rules: rs} }

// Validate returns exactly one outcome for raw. Checks run in a fixed order
// and stop at the first failure:
//
//  1. the row parsed as delimited text;
//  2. every required column, then every unique-key and primary-key column,
//     is present and non-blank;
//  3. configured rules, columns in schema order, each column's rules in
//     NonNull, Range, AllowedValues, Pattern order;
//  4. every present value converts to its column's declared type.
//
// The reason of a failure names the column and the rule.
func (e *Engine) Validate(def *schema.Definition, rec transformer.Record, raw transformer.RawRecord) transformer.Outcome {
	if raw.ParseErr != nil {
		return quarantine(raw, "parse error: "+raw.ParseErr.Error())
	}

	for _, name := range def.Required {
		if blank(rec, name) {
			return quarantine(raw, "missing required column: "+name)
		}
	}
	for _, key := range [][]string{def.Key(), def.PrimaryKey} {
		for _, name := range key {
			if blank(rec, name) {
				return quarantine(raw, "missing required column: "+name)
			}
		}
	}

	for _, cr := range e.rules.For(def.ID) {
		v, present := rec[cr.Column]
		for _, r := range cr.Rules {
			if reason := r.Check(cr.Column, v, present, cr.Type); reason != "" {
				return quarantine(raw, reason)
			}
		}
	}

	values := make(map[string]any, len(rec))
	for _, c := range def.Columns {
		v, ok := rec[c.Name]
		if !ok {
			continue
		}
		x, err := Coerce(v, c.Type)
		switch {
		case errors.Is(err, ErrEmpty):
			values[c.Name] = nil
		case err != nil:
			return quarantine(raw, fmt.Sprintf("column %s: type coercion error", c.Name))
		default:
			values[c.Name] = x
		}
	}
	return transformer.Accepted{Record: rec, Values: values, Line: raw.Line}
}

func blank(rec transformer.Record, name string) bool {
	v, ok := rec[name]
	return !ok || strings.TrimSpace(v) == ""
}
