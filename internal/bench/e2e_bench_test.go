package bench

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	csvparser "github.com/hsp1234-web/SP-DATA/internal/parser/csv"
	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
	"github.com/hsp1234-web/SP-DATA/internal/transformer"
	"github.com/hsp1234-web/SP-DATA/internal/transformer/builtin"
)

const schemas = `
daily_ohlc:
  keywords: [daily]
  db_table_name: fact_daily_ohlc
  required_columns: [trading_date, product_id, close]
  unique_key: [trading_date, product_id, expiry]
  columns_map:
    trading_date: {db_type: DATE, aliases: [交易日期]}
    product_id: {db_type: VARCHAR, aliases: [契約]}
    expiry: {db_type: VARCHAR, aliases: [到期月份(週別)]}
    open: {db_type: DOUBLE, aliases: [開盤價]}
    close: {db_type: DOUBLE, aliases: [收盤價]}
    volume: {db_type: BIGINT, aliases: [成交量]}
quarantine_table_schema:
  db_table_name: quarantine_rows
  columns_map:
    quarantine_reason: {db_type: VARCHAR}
    source_file: {db_type: VARCHAR}
`

const rules = `
daily_ohlc:
  close: {min_value: 0}
  volume: {min_value: 0}
  product_id: {pattern_match: "[A-Z]{2,4}"}
`

// BenchmarkEndToEnd measures the per-row hot path a worker runs between the
// reader and the store: parse, normalize, validate, coerce and align rows
// into load batches. The store itself is left out.
//
//	go test -run=^$ -bench ^BenchmarkEndToEnd$ -cpuprofile cpu.out -memprofile mem.out -count=1 ./internal/bench
func BenchmarkEndToEnd(b *testing.B) {
	reg, err := schema.Parse([]byte(schemas), schema.DefaultMatchPolicy())
	if err != nil {
		b.Fatal(err)
	}
	rs, err := builtin.ParseRules([]byte(rules), reg)
	if err != nil {
		b.Fatal(err)
	}
	def, _ := reg.Lookup("daily_ohlc")
	engine := builtin.NewEngine(rs)
	cols := def.ColumnNames()

	var sb strings.Builder
	sb.WriteString("交易日期,契約,到期月份(週別),開盤價,最高價,最低價,收盤價,成交量\n")
	for i := 0; i < 20_000; i++ {
		if i%100 == 0 {
			sb.WriteString("2024/01/02,TX,202401,17800,17890,17750,-1,120000\n")
			continue
		}
		sb.WriteString("2024/01/02,TX,202401,17800,17890,17750,17850,120000\n")
	}
	data := []byte(sb.String())
	src := transformer.SourceRef{Path: "TX_daily.csv"}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rr, err := csvparser.NewRowReader(bytes.NewReader(data), src, csvparser.Options{})
		if err != nil {
			b.Fatal(err)
		}
		resolved := def.Resolve(rr.Header())
		batch := make([]storage.Row, 0, storage.DefaultBatchSize)
		var line, loaded, quarantined int64
		for {
			raw, err := rr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				b.Fatal(err)
			}
			switch out := engine.Validate(def, builtin.NormalizeWith(resolved, raw), raw).(type) {
			case transformer.Accepted:
				line++
				vals := make([]any, len(cols))
				for j, c := range cols {
					vals[j] = out.Values[c]
				}
				batch = append(batch, storage.Row{Line: line, Values: vals})
				if len(batch) == cap(batch) {
					loaded += int64(len(batch))
					batch = batch[:0]
				}
			case transformer.Quarantined:
				quarantined++
			}
		}
		loaded += int64(len(batch))
		if loaded == 0 || quarantined == 0 {
			b.Fatalf("loaded=%d quarantined=%d", loaded, quarantined)
		}
	}
}
