package transformer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceRef_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "in/a.csv", SourceRef{Path: "in/a.csv"}.String())
	assert.Equal(t, "in/a.zip!daily.csv", SourceRef{Path: "in/a.zip", Member: "daily.csv"}.String())
}

func TestRawRecord_Cells(t *testing.T) {
	t.Parallel()
	r := RawRecord{Header: []string{"b", "a", "c"}, Values: map[string]string{"a": "1", "b": "2"}}
	assert.Equal(t, []string{"2", "1", ""}, r.Cells())
}

func TestOutcome_Variants(t *testing.T) {
	t.Parallel()
	for _, o := range []Outcome{Accepted{Line: 1}, Quarantined{Reason: "x"}} {
		switch v := o.(type) {
		case Accepted:
			assert.Equal(t, 1, v.Line)
		case Quarantined:
			assert.Equal(t, "x", v.Reason)
		default:
			t.Fatalf("unexpected outcome %T", o)
		}
	}
}
