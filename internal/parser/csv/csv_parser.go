// Package csv reads delimited text into raw records one row at a time. The
// reader sniffs the character encoding and the delimiter from the start of
// the stream, so exchange exports in Big5 and tab- or pipe-separated files
// need no per-file configuration.
package csv

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/hsp1234-web/SP-DATA/internal/transformer"
)

// sniffSize is how much of the stream is inspected before parsing.
const sniffSize = 64 << 10

const logEveryN = 50_000

// ErrNoHeader is returned for a stream without a header row.
var ErrNoHeader = errors.New("no header row")

// Options configures a RowReader. All fields are optional.
type Options struct {
	// Encodings are candidate encodings tried in order; DefaultEncodings
	// when empty.
	Encodings []string
	// Comma forces the delimiter; sniffed when zero.
	Comma rune
	// Logger receives progress lines at debug level.
	Logger *zap.Logger
}

// RowReader yields RawRecords lazily from one logical file.
type RowReader struct {
	cr       *csv.Reader
	header   []string
	src      transformer.SourceRef
	encoding string
	comma    rune
	line     int
	log      *zap.Logger
}

// NewRowReader sniffs r and reads its header. It fails with ErrNoHeader on
// an empty stream.
func NewRowReader(r io.Reader, src transformer.SourceRef, opt Options) (*RowReader, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	sample, err := br.Peek(sniffSize)
	atEOF := false
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, bufio.ErrBufferFull):
		atEOF = errors.Is(err, io.EOF)
	default:
		return nil, fmt.Errorf("csv: read %s: %w", src, err)
	}

	encName, enc, err := sniffEncoding(sample, opt.Encodings, atEOF)
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	var body io.Reader = br
	if enc != unicode.UTF8 {
		body = transform.NewReader(br, enc.NewDecoder())
		if decoded, derr := enc.NewDecoder().Bytes(trimPartial(sample, atEOF)); derr == nil {
			sample = decoded
		}
	}

	comma := opt.Comma
	if comma == 0 {
		comma = sniffDelimiter(sample)
	}

	cr := csv.NewReader(body)
	cr.Comma = comma
	cr.ReuseRecord = true
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("csv: %s: %w", src, ErrNoHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header %s: %w", src, err)
	}
	header := CleanHeader(append([]string(nil), hdr...))

	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RowReader{
		cr:       cr,
		header:   header,
		src:      src,
		encoding: encName,
		comma:    comma,
		log:      log,
	}, nil
}

// Header returns the cleaned header row.
func (rr *RowReader) Header() []string { return rr.header }

// Encoding returns the encoding label chosen for the stream.
func (rr *RowReader) Encoding() string { return rr.encoding }

// Comma returns the delimiter in use.
func (rr *RowReader) Comma() rune { return rr.comma }

// Next returns the next row, or io.EOF after the last one. A row the CSV
// grammar rejects comes back as a record with ParseErr set, so every line is
// accounted for. Any other error means the stream itself failed.
func (rr *RowReader) Next() (transformer.RawRecord, error) {
	rec, err := rr.cr.Read()
	if errors.Is(err, io.EOF) {
		return transformer.RawRecord{}, io.EOF
	}
	rr.line++
	if rr.line%logEveryN == 0 {
		rr.log.Debug("reader progress", zap.Stringer("source", rr.src), zap.Int("rows", rr.line))
	}

	out := transformer.RawRecord{
		Header: rr.header,
		Values: make(map[string]string, len(rr.header)),
		Source: rr.src,
		Line:   rr.line,
	}
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			out.ParseErr = pe.Err
			return out, nil
		}
		return transformer.RawRecord{}, fmt.Errorf("csv: read %s line %d: %w", rr.src, rr.line, err)
	}

	for i, h := range rr.header {
		if i >= len(rec) {
			break
		}
		if _, dup := out.Values[h]; !dup {
			out.Values[h] = rec[i]
		}
	}
	if extra := rec[min(len(rec), len(rr.header)):]; len(extra) > 0 && !allBlank(extra) {
		out.ParseErr = fmt.Errorf("row has %d fields, header has %d", len(rec), len(rr.header))
	}
	return out, nil
}

func allBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
