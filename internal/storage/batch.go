package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hsp1234-web/SP-DATA/internal/ddl"
	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
	"github.com/hsp1234-web/SP-DATA/internal/schema"
)

// Session is a backend connection pinned to one batch. Stages are temporary
// tables private to it.
type Session interface {
	Exec(ctx context.Context, query string) (int64, error)
	QueryInt(ctx context.Context, query string) (int64, error)
	Copy(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	// Tx runs fn inside a transaction, committing when fn returns nil.
	Tx(ctx context.Context, fn func(exec func(ctx context.Context, query string) (int64, error)) error) error
	Release() error
}

// BatchOptions configures NewBatch.
type BatchOptions struct {
	BatchSize int
	// WriterLock, when set, is held while merging.
	WriterLock sync.Locker
	Logger     *zap.Logger
}

var stageSeq atomic.Int64

type stage struct {
	name     string
	target   ddl.TableDef
	strategy ConflictStrategy
	append   bool
	buf      *Buffer
	next     int64
}

type batch struct {
	sess   Session
	opts   BatchOptions
	stages []*stage
	byName map[string]*stage
	done   bool
}

// NewBatch returns a Batch that stages through sess.
func NewBatch(sess Session, opts BatchOptions) Batch {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &batch{sess: sess, opts: opts, byName: make(map[string]*stage)}
}

// Wrap classifies err as a retryable storage write failure.
func Wrap(op string, err error) error {
	return pipelineerr.Wrap(pipelineerr.StorageWrite, op, "", err)
}

func (b *batch) stageFor(ctx context.Context, t ddl.TableDef, strategy ConflictStrategy, appendOnly bool) (*stage, error) {
	if b.done {
		return nil, errors.New("storage: batch already finished")
	}
	if s, ok := b.byName[t.FQN]; ok {
		if s.append != appendOnly || s.strategy != strategy {
			return nil, fmt.Errorf("storage: table %s staged with conflicting modes", t.FQN)
		}
		return s, nil
	}
	s := &stage{
		name:     fmt.Sprintf("spdata_stage_%d", stageSeq.Add(1)),
		target:   t,
		strategy: strategy,
		append:   appendOnly,
	}
	if _, err := b.sess.Exec(ctx, StageSQL(s.name, t)); err != nil {
		return nil, fmt.Errorf("storage: create stage for %s: %w", t.FQN, err)
	}
	cols := append(t.ColumnNames(), LineColumn)
	buf, err := NewBuffer(s.name, cols, b.opts.BatchSize, b.sess.Copy, b.opts.Logger.With(zap.String("target", t.FQN)))
	if err != nil {
		return nil, err
	}
	s.buf = buf
	b.stages = append(b.stages, s)
	b.byName[t.FQN] = s
	return s, nil
}

func (b *batch) Load(ctx context.Context, t ddl.TableDef, rows []Row, strategy ConflictStrategy) error {
	if strategy != Replace && strategy != Ignore {
		return Wrap("load", fmt.Errorf("unknown conflict strategy %q", strategy))
	}
	s, err := b.stageFor(ctx, t, strategy, false)
	if err != nil {
		return Wrap("load", err)
	}
	for _, r := range rows {
		row := make([]any, 0, len(r.Values)+1)
		row = append(row, r.Values...)
		row = append(row, r.Line)
		if err := s.buf.Add(ctx, row); err != nil {
			return Wrap("load", err)
		}
	}
	return nil
}

func (b *batch) Quarantine(ctx context.Context, q ddl.TableDef, rows []QuarantineRow) error {
	s, err := b.stageFor(ctx, q, "", true)
	if err != nil {
		return Wrap("quarantine", err)
	}
	for _, r := range rows {
		vals, err := QuarantineValues(q, r)
		if err != nil {
			return Wrap("quarantine", err)
		}
		s.next++
		if err := s.buf.Add(ctx, append(vals, s.next)); err != nil {
			return Wrap("quarantine", err)
		}
	}
	return nil
}

func (b *batch) Commit(ctx context.Context) (LoadReport, error) {
	if b.done {
		return LoadReport{}, Wrap("commit", errors.New("batch already finished"))
	}
	defer b.finish()

	var rep LoadReport
	for _, s := range b.stages {
		if err := s.buf.Flush(ctx); err != nil {
			return LoadReport{}, Wrap("commit", err)
		}
	}
	for _, s := range b.stages {
		if s.append {
			rep.Quarantined += s.buf.Total()
			continue
		}
		tr := TableReport{Table: s.target.FQN, Staged: s.buf.Total()}
		if tr.Staged > 0 {
			distinct, err := b.sess.QueryInt(ctx, DistinctKeysSQL(s.name, s.target))
			if err != nil {
				return LoadReport{}, Wrap("commit", fmt.Errorf("count keys of %s: %w", s.target.FQN, err))
			}
			tr.Duplicates = tr.Staged - distinct
		}
		rep.Tables = append(rep.Tables, tr)
	}

	if l := b.opts.WriterLock; l != nil {
		l.Lock()
		defer l.Unlock()
	}
	start := time.Now()
	err := b.sess.Tx(ctx, func(exec func(context.Context, string) (int64, error)) error {
		i := 0
		for _, s := range b.stages {
			if s.buf.Total() == 0 {
				if !s.append {
					i++
				}
				continue
			}
			if s.append {
				if _, err := exec(ctx, AppendSQL(s.name, s.target)); err != nil {
					return fmt.Errorf("append into %s: %w", s.target.FQN, err)
				}
				continue
			}
			q, err := MergeSQL(s.name, s.target, s.strategy)
			if err != nil {
				return err
			}
			n, err := exec(ctx, q)
			if err != nil {
				return fmt.Errorf("merge into %s: %w", s.target.FQN, err)
			}
			rep.Tables[i].Written = n
			i++
		}
		return nil
	})
	if err != nil {
		return LoadReport{}, Wrap("commit", err)
	}
	b.opts.Logger.Debug("batch committed",
		zap.Int64("staged", rep.Staged()),
		zap.Int64("written", rep.Written()),
		zap.Int64("quarantined", rep.Quarantined),
		zap.Duration("merge", time.Since(start)),
	)
	return rep, nil
}

func (b *batch) Rollback() error {
	if b.done {
		return nil
	}
	return b.finish()
}

// finish drops the stages and releases the session.
func (b *batch) finish() error {
	b.done = true
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	for _, s := range b.stages {
		if _, err := b.sess.Exec(ctx, DropSQL(s.name)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.sess.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// QuarantineValues aligns r to the columns of q. Diagnostic columns are
// filled from r; any other column takes the raw value under the same header
// name when it is VARCHAR, and NULL otherwise.
func QuarantineValues(q ddl.TableDef, r QuarantineRow) ([]any, error) {
	out := make([]any, len(q.Columns))
	for i, c := range q.Columns {
		var v any
		switch c.Name {
		case schema.QuarantineReason:
			v = r.Reason
		case schema.QuarantineSource:
			v = r.Source
		case schema.QuarantineMember:
			v = nullIfEmpty(r.Member)
		case schema.QuarantineSchemaID:
			v = nullIfEmpty(r.SchemaID)
		case schema.QuarantineRunID:
			v = nullIfEmpty(r.RunID)
		case schema.QuarantineRowNumber:
			v = r.Line
		case schema.QuarantineAt:
			if !r.At.IsZero() {
				v = r.At.UTC()
			}
		case schema.QuarantineRawRecord:
			raw, err := json.Marshal(r.Raw)
			if err != nil {
				return nil, fmt.Errorf("encode raw record: %w", err)
			}
			v = string(raw)
		default:
			if s, ok := r.Raw[c.Name]; ok && c.DBType == schema.Varchar {
				v = s
			}
		}
		out[i] = asDeclared(c, v)
	}
	return out, nil
}

// asDeclared converts diagnostic values whose natural type differs from the
// column's declared type.
func asDeclared(c ddl.ColumnDef, v any) any {
	switch x := v.(type) {
	case int64:
		switch c.DBType {
		case schema.Varchar:
			return strconv.FormatInt(x, 10)
		case schema.Double:
			return float64(x)
		case schema.Date:
			return nil
		}
	case time.Time:
		switch c.DBType {
		case schema.Varchar:
			return x.Format(time.RFC3339)
		case schema.Date:
			return time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, time.UTC)
		default:
			return nil
		}
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
