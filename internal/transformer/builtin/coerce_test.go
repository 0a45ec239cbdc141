package builtin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsp1234-web/SP-DATA/internal/schema"
)

func TestCoerce(t *testing.T) {
	t.Parallel()

	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		in      string
		typ     schema.DBType
		want    any
		wantErr bool
	}{
		{" 42 ", schema.BigInt, int64(42), false},
		{"1,234,567", schema.BigInt, int64(1234567), false},
		{"12.0", schema.BigInt, int64(12), false},
		{"12.5", schema.BigInt, nil, true},
		{"abc", schema.BigInt, nil, true},
		{"101.5", schema.Double, 101.5, false},
		{"-5", schema.Double, -5.0, false},
		{"2,000.25", schema.Double, 2000.25, false},
		{"n/a", schema.Double, nil, true},
		{"NaN", schema.Double, nil, true},
		{"nan", schema.Double, nil, true},
		{"Inf", schema.Double, nil, true},
		{"-Infinity", schema.Double, nil, true},
		{"1e400", schema.Double, nil, true},
		{"NaN", schema.BigInt, nil, true},
		{"+Inf", schema.BigInt, nil, true},
		{"2024-01-02", schema.Date, day(2024, 1, 2), false},
		{"2024/01/02", schema.Date, day(2024, 1, 2), false},
		{"2024/1/2", schema.Date, day(2024, 1, 2), false},
		{"20240102", schema.Date, day(2024, 1, 2), false},
		{"113/01/02", schema.Date, day(2024, 1, 2), false},
		{"113/02/30", schema.Date, nil, true},
		{"yesterday", schema.Date, nil, true},
		{"  TXF ", schema.Varchar, "TXF", false},
	}
	for _, tt := range tests {
		got, err := Coerce(tt.in, tt.typ)
		if tt.wantErr {
			assert.Error(t, err, "%q as %s", tt.in, tt.typ)
			continue
		}
		require.NoError(t, err, "%q as %s", tt.in, tt.typ)
		assert.Equal(t, tt.want, got, "%q as %s", tt.in, tt.typ)
	}
}

func TestCoerce_Empty(t *testing.T) {
	t.Parallel()
	_, err := Coerce("   ", schema.BigInt)
	assert.ErrorIs(t, err, ErrEmpty)
}
