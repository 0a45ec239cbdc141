package csv

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// DefaultEncodings is tried in order when no list is configured.
var DefaultEncodings = []string{"utf-8", "big5"}

// LookupEncoding resolves an encoding label. WHATWG labels are accepted,
// plus the Windows code page names exchanges ship Big5 data under.
func LookupEncoding(name string) (encoding.Encoding, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "cp950", "ms950", "windows-950":
		return traditionalchinese.Big5, nil
	case "utf-8", "utf8":
		return unicode.UTF8, nil
	default:
		enc, err := htmlindex.Get(n)
		if err != nil {
			return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
		}
		return enc, nil
	}
}

// sniffEncoding picks the first candidate that decodes sample cleanly.
// UTF-8 is judged by validity; other encodings by the absence of
// replacement characters after decoding. When nothing decodes cleanly the
// last candidate is used.
func sniffEncoding(sample []byte, candidates []string, atEOF bool) (string, encoding.Encoding, error) {
	if len(candidates) == 0 {
		candidates = DefaultEncodings
	}
	var (
		lastName string
		lastEnc  encoding.Encoding
	)
	for _, name := range candidates {
		enc, err := LookupEncoding(name)
		if err != nil {
			return "", nil, err
		}
		lastName, lastEnc = name, enc
		if enc == unicode.UTF8 {
			if validUTF8Prefix(sample, atEOF) {
				return name, enc, nil
			}
			continue
		}
		out, err := enc.NewDecoder().Bytes(trimPartial(sample, atEOF))
		if err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
			return name, enc, nil
		}
	}
	return lastName, lastEnc, nil
}

// validUTF8Prefix reports whether b is valid UTF-8, tolerating a multi-byte
// sequence cut off at the end of a sample that is not the end of input.
func validUTF8Prefix(b []byte, atEOF bool) bool {
	if utf8.Valid(b) {
		return true
	}
	if atEOF {
		return false
	}
	for cut := 1; cut <= 3 && cut < len(b); cut++ {
		if utf8.Valid(b[:len(b)-cut]) {
			return true
		}
	}
	return false
}

// trimPartial drops a trailing incomplete line from a sample so multi-byte
// decoders are not judged on a sequence the sample cut in half.
func trimPartial(b []byte, atEOF bool) []byte {
	if atEOF {
		return b
	}
	if i := bytes.LastIndexByte(b, '\n'); i > 0 {
		return b[:i+1]
	}
	return b
}

// sniffDelimiter counts candidate delimiters on the first line of sample and
// returns the most frequent, ',' when none occurs.
func sniffDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}
	best, bestN := ',', 0
	for _, d := range []rune{',', '\t', ';', '|'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}
