// Package pipelineerr defines the error taxonomy shared by every pipeline
// component. Each failure carries a Kind that decides how far it propagates:
// configuration errors abort the run, everything else is contained to the
// file (or row) that produced it.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// Configuration marks malformed schema, validation or run configuration.
	Configuration Kind = "configuration"
	// Ingestion marks an unreadable or corrupt source file.
	Ingestion Kind = "ingestion"
	// SchemaMatch marks a file whose name and header matched no schema.
	SchemaMatch Kind = "schema_match"
	// RowValidation marks a single row that failed validation.
	RowValidation Kind = "row_validation"
	// StorageWrite marks a batch the store could not commit.
	StorageWrite Kind = "storage_write"
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "open", "commit"
	Path string // source file, when known
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a plain message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or "" when err carries no classification.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the failed file should be attempted again on
// the next run without operator intervention.
func IsRetryable(err error) bool {
	return IsKind(err, StorageWrite)
}
