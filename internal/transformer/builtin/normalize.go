package builtin

import (
	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/transformer"
)

// Normalize rewrites raw to def's canonical column names. Header cells that
// resolve to no canonical column are dropped; canonical columns the header
// does not supply are left out of the record.
func Normalize(def *schema.Definition, raw transformer.RawRecord) transformer.Record {
	return NormalizeWith(def.Resolve(raw.Header), raw)
}

// NormalizeWith is Normalize with a header resolution computed once per file
// by Definition.Resolve.
func NormalizeWith(resolved map[string]int, raw transformer.RawRecord) transformer.Record {
	rec := make(transformer.Record, len(resolved))
	for canon, idx := range resolved {
		if idx < 0 || idx >= len(raw.Header) {
			continue
		}
		v, ok := raw.Values[raw.Header[idx]]
		if !ok {
			continue
		}
		rec[canon] = v
	}
	return rec
}
