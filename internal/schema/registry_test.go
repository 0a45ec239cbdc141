package schema

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
)

func loadFixture(t *testing.T, policy MatchPolicy) *Registry {
	t.Helper()
	r, err := LoadFile(filepath.Join("testdata", "schemas.yaml"), policy)
	require.NoError(t, err)
	return r
}

func quarantine() QuarantineTable {
	return QuarantineTable{Table: "q", Columns: []Column{
		{Name: QuarantineReason, Type: Varchar},
		{Name: QuarantineSource, Type: Varchar},
	}}
}

func TestLoadFile_PreservesDeclarationOrder(t *testing.T) {
	t.Parallel()

	r := loadFixture(t, DefaultMatchPolicy())
	ids := []string{}
	for _, d := range r.Schemas() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"daily_ohlc", "institutional"}, ids)

	daily, ok := r.Lookup("daily_ohlc")
	require.True(t, ok)
	assert.Equal(t, []string{"trading_date", "product_id", "open", "close", "volume"}, daily.ColumnNames())
	assert.Equal(t, "fact_daily_ohlc", daily.Table)
	assert.Equal(t, []string{"trading_date", "product_id"}, daily.Key())

	inst, _ := r.Lookup("institutional")
	assert.Equal(t, []string{"trading_date", "investor_type"}, inst.Key(), "primary key used when no unique key")

	assert.Equal(t, "quarantine_rows", r.Quarantine().Table)
	assert.True(t, r.Quarantine().Has(QuarantineRawRecord))
}

func TestMatch(t *testing.T) {
	t.Parallel()

	r := loadFixture(t, DefaultMatchPolicy())
	tests := []struct {
		name      string
		file      string
		header    []string
		wantID    string
		wantScore int
	}{
		{"keyword only", "TX_daily_2024.csv", []string{"foo"}, "daily_ohlc", 1},
		{"keyword case-insensitive", "DAILY.csv", nil, "daily_ohlc", 1},
		{"keywords counted once each", "daily_ohlc_daily.csv", nil, "daily_ohlc", 2},
		{"header bonus", "prices.csv", []string{"交易日期", "契約", "收盤價"}, "daily_ohlc", 1},
		{"keyword plus header", "daily.csv", []string{"date", "symbol", "Close"}, "daily_ohlc", 2},
		{"second schema", "三大法人_20240102.csv", nil, "institutional", 1},
		{"directory ignored", "daily/report.csv", nil, "", 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := r.Match(tt.file, tt.header)
			if tt.wantID == "" {
				um, ok := res.(Unmatched)
				require.True(t, ok, "want Unmatched, got %#v", res)
				assert.Equal(t, tt.wantScore, um.BestScore)
				return
			}
			m, ok := res.(Matched)
			require.True(t, ok, "want Matched, got %#v", res)
			assert.Equal(t, tt.wantID, m.Schema.ID)
			assert.Equal(t, tt.wantScore, m.Score)
		})
	}
}

func TestMatch_TieGoesToFirstDeclared(t *testing.T) {
	t.Parallel()

	mk := func(id, table string) Definition {
		return Definition{
			ID: id, Table: table, Keywords: []string{"report"},
			Columns:   []Column{{Name: "k", Type: Varchar}},
			Required:  []string{"k"},
			UniqueKey: []string{"k"},
		}
	}
	r, err := NewRegistry([]Definition{mk("b_second", "tb"), mk("a_first", "ta")}, quarantine(), DefaultMatchPolicy())
	require.NoError(t, err)

	m, ok := r.Match("report.csv", []string{"k"}).(Matched)
	require.True(t, ok)
	assert.Equal(t, "b_second", m.Schema.ID)
	assert.Equal(t, 2, m.Score)
}

func TestMatch_ThresholdAndBonusConfigurable(t *testing.T) {
	t.Parallel()

	strict := loadFixture(t, MatchPolicy{MinScore: 2, HeaderBonus: 1})
	_, ok := strict.Match("daily.csv", []string{"x"}).(Unmatched)
	assert.True(t, ok, "single keyword hit is below min_score 2")

	m, ok := strict.Match("daily.csv", []string{"date", "symbol", "close"}).(Matched)
	require.True(t, ok)
	assert.Equal(t, 2, m.Score)

	noBonus := loadFixture(t, MatchPolicy{MinScore: 1, HeaderBonus: 0})
	_, ok = noBonus.Match("prices.csv", []string{"date", "symbol", "close"}).(Unmatched)
	assert.True(t, ok, "header alone cannot match without a bonus")

	heavy := loadFixture(t, MatchPolicy{MinScore: 1, HeaderBonus: 5})
	m, ok = heavy.Match("institutional_daily.csv", []string{"日期", "身份別"}).(Matched)
	require.True(t, ok)
	assert.Equal(t, "institutional", m.Schema.ID, "header bonus outweighs a keyword tie")
}

func TestResolve_ExactBeforeCaseInsensitive(t *testing.T) {
	t.Parallel()

	r := loadFixture(t, DefaultMatchPolicy())
	d, _ := r.Lookup("daily_ohlc")

	got := d.Resolve([]string{"CLOSE", "Close", "成交量"})
	assert.Equal(t, 1, got["close"], "exact alias beats case-insensitive canonical")
	assert.Equal(t, 2, got["volume"])
	_, ok := got["open"]
	assert.False(t, ok)

	got = d.Resolve([]string{" CLOSE "})
	assert.Equal(t, 0, got["close"])
}

func TestNewRegistry_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	base := func() Definition {
		return Definition{
			ID: "s", Table: "t",
			Columns:   []Column{{Name: "a", Type: Varchar}, {Name: "b", Type: BigInt}},
			Required:  []string{"a"},
			UniqueKey: []string{"a"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Definition)
		q      *QuarantineTable
		policy *MatchPolicy
	}{
		{"duplicate canonical", func(d *Definition) { d.Columns = append(d.Columns, Column{Name: "a", Type: Varchar}) }, nil, nil},
		{"required missing", func(d *Definition) { d.Required = []string{"zzz"} }, nil, nil},
		{"unique key missing", func(d *Definition) { d.UniqueKey = []string{"zzz"} }, nil, nil},
		{"no key", func(d *Definition) { d.UniqueKey = nil }, nil, nil},
		{"bad type", func(d *Definition) { d.Columns[1].Type = "INTEGER" }, nil, nil},
		{"no table", func(d *Definition) { d.Table = "" }, nil, nil},
		{"quarantine missing reason", func(*Definition) {}, &QuarantineTable{Table: "q", Columns: []Column{{Name: QuarantineSource, Type: Varchar}}}, nil},
		{"quarantine table clash", func(d *Definition) { d.Table = "q" }, nil, nil},
		{"min score zero", func(*Definition) {}, nil, &MatchPolicy{MinScore: 0, HeaderBonus: 1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := base()
			tt.mutate(&d)
			q := quarantine()
			if tt.q != nil {
				q = *tt.q
			}
			p := DefaultMatchPolicy()
			if tt.policy != nil {
				p = *tt.policy
			}
			_, err := NewRegistry([]Definition{d}, q, p)
			require.Error(t, err)
			assert.True(t, pipelineerr.IsKind(err, pipelineerr.Configuration), "got %v", err)
		})
	}
}

func TestParse_RequiresQuarantineEntry(t *testing.T) {
	t.Parallel()

	doc := []byte(`
s:
  db_table_name: t
  unique_key: [a]
  columns_map:
    a: {db_type: VARCHAR}
`)
	_, err := Parse(doc, DefaultMatchPolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), QuarantineKey)
}

func TestParse_AcceptsJSON(t *testing.T) {
	t.Parallel()

	doc := []byte(`{
  "s": {"keywords": ["x"], "db_table_name": "t", "required_columns": ["a"], "unique_key": ["a"],
        "columns_map": {"b": {"db_type": "bigint"}, "a": {"db_type": "VARCHAR", "aliases": ["A1"]}}},
  "quarantine_table_schema": {"db_table_name": "q",
        "columns_map": {"quarantine_reason": {"db_type": "VARCHAR"}, "source_file": {"db_type": "VARCHAR"}}}
}`)
	r, err := Parse(doc, DefaultMatchPolicy())
	require.NoError(t, err)
	d, ok := r.Lookup("s")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, d.ColumnNames())
	c, _ := d.Column("b")
	assert.Equal(t, BigInt, c.Type)
}
