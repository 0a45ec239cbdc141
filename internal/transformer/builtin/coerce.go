package builtin

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hsp1234-web/SP-DATA/internal/schema"
)

// ErrEmpty is returned by Coerce for blank input.
var ErrEmpty = errors.New("empty value")

// dateLayouts are tried in order for DATE columns.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"2006/1/2",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// rocYearOffset converts Minguo calendar years (used by Taiwanese exchanges)
// to Gregorian years.
const rocYearOffset = 1911

// Coerce converts a raw text value to the Go value stored for t:
// int64 for BIGINT, float64 for DOUBLE, time.Time (UTC midnight) for DATE and
// the trimmed string for VARCHAR.
func Coerce(value string, t schema.DBType) (any, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil, ErrEmpty
	}
	switch t {
	case schema.Varchar:
		return s, nil
	case schema.BigInt:
		return parseInt(s)
	case schema.Double:
		return parseFloat(s)
	case schema.Date:
		return parseDate(s)
	default:
		return nil, fmt.Errorf("unsupported type %q", t)
	}
}

func stripNumber(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	return strings.TrimPrefix(s, "+")
}

func parseInt(s string) (int64, error) {
	n := stripNumber(s)
	if i, err := strconv.ParseInt(n, 10, 64); err == nil {
		return i, nil
	}
	// "12.0" style exports of integral columns.
	if f, err := strconv.ParseFloat(n, 64); err == nil && !math.IsInf(f, 0) && f == float64(int64(f)) {
		return int64(f), nil
	}
	return 0, fmt.Errorf("%q is not an integer", s)
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(stripNumber(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return f, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	if t, ok := parseROCDate(s); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%q is not a date", s)
}

// parseROCDate accepts yyy/mm/dd with a Minguo year, e.g. 113/01/02.
func parseROCDate(s string) (time.Time, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || len(parts[0]) < 2 || len(parts[0]) > 3 {
		return time.Time{}, false
	}
	y, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	d, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y+rocYearOffset, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}
