package schema

import (
	"path/filepath"
	"strings"

	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
)

// MatchPolicy tunes how files are scored against schemas.
type MatchPolicy struct {
	// MinScore is the lowest score that counts as a match. Must be >= 1.
	MinScore int
	// HeaderBonus is added when the header resolves every required column.
	HeaderBonus int
}

// DefaultMatchPolicy requires one keyword hit or a satisfied header.
func DefaultMatchPolicy() MatchPolicy { return MatchPolicy{MinScore: 1, HeaderBonus: 1} }

// MatchResult is either Matched or Unmatched.
type MatchResult interface{ matchResult() }

// Matched carries the winning schema.
type Matched struct {
	Schema *Definition
	Score  int
}

// Unmatched reports that no schema reached the policy's MinScore.
type Unmatched struct {
	BestScore int
}

func (Matched) matchResult()   {}
func (Unmatched) matchResult() {}

// Registry is the immutable, ordered set of known schemas.
type Registry struct {
	defs       []*Definition
	byID       map[string]*Definition
	quarantine QuarantineTable
	policy     MatchPolicy
}

// NewRegistry validates defs and the quarantine table and returns a registry
// that evaluates them in the given order. Any invariant violation is a
// Configuration error.
func NewRegistry(defs []Definition, q QuarantineTable, policy MatchPolicy) (*Registry, error) {
	if policy.MinScore < 1 {
		return nil, pipelineerr.Newf(pipelineerr.Configuration, "match", "min_score must be >= 1, got %d", policy.MinScore)
	}
	if policy.HeaderBonus < 0 {
		return nil, pipelineerr.Newf(pipelineerr.Configuration, "match", "header_bonus must be >= 0, got %d", policy.HeaderBonus)
	}
	if err := q.validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		defs:       make([]*Definition, 0, len(defs)),
		byID:       make(map[string]*Definition, len(defs)),
		quarantine: q,
		policy:     policy,
	}
	tables := make(map[string]string, len(defs))
	for i := range defs {
		d := defs[i]
		if err := d.build(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, pipelineerr.Newf(pipelineerr.Configuration, "schema", "duplicate schema id %q", d.ID)
		}
		if other, dup := tables[d.Table]; dup {
			return nil, pipelineerr.Newf(pipelineerr.Configuration, "schema "+d.ID,
				"db_table_name %q already used by schema %q", d.Table, other)
		}
		if d.Table == q.Table {
			return nil, pipelineerr.Newf(pipelineerr.Configuration, "schema "+d.ID,
				"db_table_name %q collides with the quarantine table", d.Table)
		}
		tables[d.Table] = d.ID
		r.defs = append(r.defs, &d)
		r.byID[d.ID] = &d
	}
	return r, nil
}

// Schemas returns the definitions in declaration order.
func (r *Registry) Schemas() []*Definition { return r.defs }

// Lookup returns the definition with the given id.
func (r *Registry) Lookup(id string) (*Definition, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Quarantine returns the quarantine table description.
func (r *Registry) Quarantine() QuarantineTable { return r.quarantine }

// Policy returns the active match policy.
func (r *Registry) Policy() MatchPolicy { return r.policy }

// Score computes def's score for a file: one point per distinct keyword found
// case-insensitively in the file name's base, plus HeaderBonus when every
// required column resolves against header.
func (r *Registry) Score(def *Definition, fileName string, header []string) int {
	name := strings.ToLower(filepath.Base(filepath.ToSlash(fileName)))
	score := 0
	seen := make(map[string]bool, len(def.Keywords))
	for _, kw := range def.Keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		if strings.Contains(name, k) {
			score++
		}
	}
	if r.policy.HeaderBonus > 0 && len(header) > 0 && requiredResolved(def, header) {
		score += r.policy.HeaderBonus
	}
	return score
}

func requiredResolved(def *Definition, header []string) bool {
	if len(def.Required) == 0 {
		return false
	}
	for _, name := range def.Required {
		c, _ := def.Column(name)
		if _, ok := resolveColumn(c, header); !ok {
			return false
		}
	}
	return true
}

// Match picks the highest-scoring schema for the file. A schema must reach
// the policy's MinScore. Ties go to the schema declared first: this order is
// deterministic but carries no meaning beyond the configuration file layout.
func (r *Registry) Match(fileName string, header []string) MatchResult {
	var (
		best      *Definition
		bestScore int
	)
	for _, d := range r.defs {
		s := r.Score(d, fileName, header)
		if s > bestScore {
			best, bestScore = d, s
		}
	}
	if best == nil || bestScore < r.policy.MinScore {
		return Unmatched{BestScore: bestScore}
	}
	return Matched{Schema: best, Score: bestScore}
}
