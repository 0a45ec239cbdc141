// Package datasource turns a top-level input path into the logical files the
// pipeline parses. Zip archives expand to one logical file per delimited-text
// member, gzip streams to their decompressed content, and anything else is
// read as-is.
package datasource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/hsp1234-web/SP-DATA/internal/datasource/file"
	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
	"github.com/hsp1234-web/SP-DATA/internal/transformer"
)

// Source opens a byte stream for reading.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Kind is the container format detected for an input.
type Kind string

const (
	Plain Kind = "plain"
	Zip   Kind = "zip"
	Gzip  Kind = "gzip"
)

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
)

// memberExts lists archive member extensions treated as delimited text.
var memberExts = map[string]bool{".csv": true, ".txt": true, ".tsv": true}

// LogicalFile is one parseable stream within an input.
type LogicalFile struct {
	Source transformer.SourceRef
	// Name is what schema matching sees: the input's base name, followed by
	// "/" and the member's base name for archive members.
	Name string

	open func() (io.ReadCloser, error)
}

// Open returns a fresh reader over the logical file's bytes.
func (l LogicalFile) Open() (io.ReadCloser, error) { return l.open() }

// Input is an opened top-level path. Close releases archive handles.
type Input struct {
	Path  string
	Kind  Kind
	Files []LogicalFile

	closer io.Closer
}

// Close releases resources held by the input.
func (in *Input) Close() error {
	if in.closer == nil {
		return nil
	}
	return in.closer.Close()
}

// Discover lists the input files under dir in lexical order, skipping hidden
// entries. A non-empty targets list keeps only files with those base names.
func Discover(ctx context.Context, dir string, targets []string) ([]string, error) {
	paths, err := file.Walk(ctx, dir)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.Ingestion, "discover", dir, err)
	}
	return file.FilterTargets(paths, targets), nil
}

// Open detects the container format of path and lists its logical files.
// An unreadable path or a corrupt archive is an Ingestion error for path.
func Open(ctx context.Context, p string) (*Input, error) {
	kind, err := Detect(ctx, file.NewLocal(p))
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.Ingestion, "detect", p, err)
	}

	base := filepath.Base(p)
	switch kind {
	case Zip:
		return openZip(p, base)
	case Gzip:
		name := strings.TrimSuffix(base, filepath.Ext(base))
		return &Input{Path: p, Kind: Gzip, Files: []LogicalFile{{
			Source: transformer.SourceRef{Path: p, Member: name},
			Name:   base + "/" + name,
			open:   func() (io.ReadCloser, error) { return openGzip(ctx, p) },
		}}}, nil
	default:
		local := file.NewLocal(p)
		return &Input{Path: p, Kind: Plain, Files: []LogicalFile{{
			Source: transformer.SourceRef{Path: p},
			Name:   base,
			open:   func() (io.ReadCloser, error) { return local.Open(ctx) },
		}}}, nil
	}
}

// Detect sniffs the container format from the first bytes of src.
func Detect(ctx context.Context, src Source) (Kind, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(rc, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read magic: %w", err)
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmptyMagic):
		return Zip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip, nil
	default:
		return Plain, nil
	}
}

func openZip(p, base string) (*Input, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.Ingestion, "open archive", p, err)
	}
	in := &Input{Path: p, Kind: Zip, closer: zr}
	for _, f := range zr.File {
		if !isDataMember(f) {
			continue
		}
		f := f
		in.Files = append(in.Files, LogicalFile{
			Source: transformer.SourceRef{Path: p, Member: f.Name},
			Name:   base + "/" + path.Base(f.Name),
			open:   f.Open,
		})
	}
	return in, nil
}

func isDataMember(f *zip.File) bool {
	if f.FileInfo().IsDir() {
		return false
	}
	name := f.Name
	if strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), ".") {
		return false
	}
	return memberExts[strings.ToLower(path.Ext(name))]
}

type gzipReadCloser struct {
	*gzip.Reader
	under io.Closer
}

func (g gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.under.Close(); err == nil {
		err = cerr
	}
	return err
}

func openGzip(ctx context.Context, p string) (io.ReadCloser, error) {
	rc, err := file.NewLocal(p).Open(ctx)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, pipelineerr.Wrap(pipelineerr.Ingestion, "open gzip", p, err)
	}
	return gzipReadCloser{Reader: zr, under: rc}, nil
}
