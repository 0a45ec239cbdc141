package builtin

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/transformer"
)

// Rule is one validation rule bound to a column. The set of rule kinds is
// closed: NonNull, Range, AllowedValues and Pattern.
type Rule interface {
	// Check returns a non-empty reason when v violates the rule. present is
	// false when the record has no such column.
	Check(col string, v string, present bool, t schema.DBType) string
	rule()
}

// NonNull rejects absent, blank and unparseable values.
type NonNull struct{}

// Range bounds a numeric column. Either bound may be nil.
type Range struct {
	Min, Max *float64
}

// AllowedValues restricts a text column to a fixed set, compared after
// trimming.
type AllowedValues struct {
	set map[string]struct{}
}

// Pattern requires a text column's trimmed value to match a regular
// expression in full.
type Pattern struct {
	Source string
	re     *regexp.Regexp
}

func (NonNull) rule()       {}
func (Range) rule()         {}
func (AllowedValues) rule() {}
func (Pattern) rule()       {}

func (NonNull) Check(col, v string, present bool, t schema.DBType) string {
	if !present || strings.TrimSpace(v) == "" {
		return fmt.Sprintf("column %s: non_null violated", col)
	}
	if _, err := Coerce(v, t); err != nil {
		return fmt.Sprintf("column %s: non_null violated", col)
	}
	return ""
}

func (r Range) Check(col, v string, present bool, t schema.DBType) string {
	if !present || strings.TrimSpace(v) == "" {
		return ""
	}
	x, err := Coerce(v, t)
	if err != nil {
		return fmt.Sprintf("column %s: type coercion error", col)
	}
	var f float64
	switch n := x.(type) {
	case int64:
		f = float64(n)
	case float64:
		f = n
	default:
		return fmt.Sprintf("column %s: type coercion error", col)
	}
	if r.Min != nil && f < *r.Min {
		return fmt.Sprintf("column %s: min_value %s violated (got %s)", col, fmtNum(*r.Min), strings.TrimSpace(v))
	}
	if r.Max != nil && f > *r.Max {
		return fmt.Sprintf("column %s: max_value %s violated (got %s)", col, fmtNum(*r.Max), strings.TrimSpace(v))
	}
	return ""
}

func (a AllowedValues) Check(col, v string, present bool, _ schema.DBType) string {
	if !present || strings.TrimSpace(v) == "" {
		return ""
	}
	if _, ok := a.set[strings.TrimSpace(v)]; !ok {
		return fmt.Sprintf("column %s: allowed_values violated (got %q)", col, strings.TrimSpace(v))
	}
	return ""
}

func (p Pattern) Check(col, v string, present bool, _ schema.DBType) string {
	if !present || strings.TrimSpace(v) == "" {
		return ""
	}
	if !p.re.MatchString(strings.TrimSpace(v)) {
		return fmt.Sprintf("column %s: pattern_match violated", col)
	}
	return ""
}

func fmtNum(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// NewAllowedValues builds an AllowedValues rule; members are trimmed.
func NewAllowedValues(values ...string) AllowedValues {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.TrimSpace(v)] = struct{}{}
	}
	return AllowedValues{set: set}
}

// NewPattern compiles expr anchored at both ends.
func NewPattern(expr string) (Pattern, error) {
	re, err := regexp.Compile(`^(?:` + expr + `)$`)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{Source: expr, re: re}, nil
}

// RuleSpec is the configuration form of a column's rule bundle.
type RuleSpec struct {
	NonNull       bool     `yaml:"non_null"`
	MinValue      *float64 `yaml:"min_value"`
	MaxValue      *float64 `yaml:"max_value"`
	AllowedValues []string `yaml:"allowed_values"`
	PatternMatch  *string  `yaml:"pattern_match"`
}

// ColumnRules is the ordered rule list for one column.
type ColumnRules struct {
	Column string
	Type   schema.DBType
	Rules  []Rule
}

// RuleSet holds compiled rules per schema, columns in schema order.
type RuleSet struct {
	bySchema map[string][]ColumnRules
}

// For returns the rules for a schema; nil when it has none.
func (rs *RuleSet) For(schemaID string) []ColumnRules {
	if rs == nil {
		return nil
	}
	return rs.bySchema[schemaID]
}

// LoadRules reads a validation document and compiles it against reg.
func LoadRules(path string, reg *schema.Registry) (*RuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.Configuration, "read rules", path, err)
	}
	rs, err := ParseRules(b, reg)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.Configuration, "load rules", path, err)
	}
	return rs, nil
}

// ParseRules decodes a validation document (YAML or JSON).
func ParseRules(data []byte, reg *schema.Registry) (*RuleSet, error) {
	specs := map[string]map[string]RuleSpec{}
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return NewRuleSet(specs, reg)
}

// NewRuleSet compiles specs, checking each rule against the declared type of
// its column. Unknown schemas or columns, numeric bounds on non-numeric
// columns, text rules on non-text columns, inverted bounds and invalid
// patterns are Configuration errors.
func NewRuleSet(specs map[string]map[string]RuleSpec, reg *schema.Registry) (*RuleSet, error) {
	rs := &RuleSet{bySchema: make(map[string][]ColumnRules, len(specs))}

	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		def, ok := reg.Lookup(id)
		if !ok {
			return nil, pipelineerr.Newf(pipelineerr.Configuration, "rules", "unknown schema %q", id)
		}
		cols := specs[id]
		for name := range cols {
			if _, ok := def.Column(name); !ok {
				return nil, pipelineerr.Newf(pipelineerr.Configuration, "rules "+id, "unknown column %q", name)
			}
		}
		var compiled []ColumnRules
		for _, c := range def.Columns {
			spec, ok := cols[c.Name]
			if !ok {
				continue
			}
			rules, err := compile(spec, c)
			if err != nil {
				return nil, pipelineerr.Newf(pipelineerr.Configuration, "rules "+id, "column %q: %v", c.Name, err)
			}
			if len(rules) > 0 {
				compiled = append(compiled, ColumnRules{Column: c.Name, Type: c.Type, Rules: rules})
			}
		}
		rs.bySchema[id] = compiled
	}
	return rs, nil
}

func compile(spec RuleSpec, c schema.Column) ([]Rule, error) {
	var rules []Rule
	if spec.NonNull {
		rules = append(rules, NonNull{})
	}
	if spec.MinValue != nil || spec.MaxValue != nil {
		if !c.Type.Numeric() {
			return nil, fmt.Errorf("min_value/max_value need a numeric column, got %s", c.Type)
		}
		if spec.MinValue != nil && spec.MaxValue != nil && *spec.MinValue > *spec.MaxValue {
			return nil, fmt.Errorf("min_value %s exceeds max_value %s", fmtNum(*spec.MinValue), fmtNum(*spec.MaxValue))
		}
		rules = append(rules, Range{Min: spec.MinValue, Max: spec.MaxValue})
	}
	if spec.AllowedValues != nil {
		if c.Type != schema.Varchar {
			return nil, fmt.Errorf("allowed_values needs a VARCHAR column, got %s", c.Type)
		}
		if len(spec.AllowedValues) == 0 {
			return nil, fmt.Errorf("allowed_values must not be empty")
		}
		rules = append(rules, NewAllowedValues(spec.AllowedValues...))
	}
	if spec.PatternMatch != nil {
		if c.Type != schema.Varchar {
			return nil, fmt.Errorf("pattern_match needs a VARCHAR column, got %s", c.Type)
		}
		p, err := NewPattern(*spec.PatternMatch)
		if err != nil {
			return nil, fmt.Errorf("pattern_match: %w", err)
		}
		rules = append(rules, p)
	}
	return rules, nil
}

// compile-time check that every rule kind satisfies Rule.
var _ = []Rule{NonNull{}, Range{}, AllowedValues{}, Pattern{}}

// quarantine builds a Quarantined outcome for raw.
func quarantine(raw transformer.RawRecord, reason string) transformer.Outcome {
	return transformer.Quarantined{Raw: raw, Reason: reason, Source: raw.Source}
}
