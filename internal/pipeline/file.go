package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/hsp1234-web/SP-DATA/internal/datasource"
	"github.com/hsp1234-web/SP-DATA/internal/manifest"
	"github.com/hsp1234-web/SP-DATA/internal/metrics"
	csvparser "github.com/hsp1234-web/SP-DATA/internal/parser/csv"
	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
	"github.com/hsp1234-web/SP-DATA/internal/transformer"
	"github.com/hsp1234-web/SP-DATA/internal/transformer/builtin"
)

// reasonsKept bounds the distinct quarantine reasons kept per file.
const reasonsKept = 10

// fileState accumulates across the logical files of one input.
type fileState struct {
	seq         int64
	accepted    int64
	quarantined int64
	schemas     []string
	reasons     *reasonAgg
}

func (s *fileState) addSchema(id string) {
	for _, x := range s.schemas {
		if x == id {
			return
		}
	}
	s.schemas = append(s.schemas, id)
}

// processFile ingests one top-level file and routes it by outcome:
// committed files go to the archive dir, unreadable or unrecognized ones to
// the quarantine dir, and files whose commit failed stay in the input dir
// for the next run.
func (o *Orchestrator) processFile(ctx context.Context, j job) FileResult {
	start := time.Now()
	log := o.log.With(zap.String("file", j.rel))
	res := FileResult{Path: j.rel, Fingerprint: j.fp}
	defer func() {
		res.DurationMS = time.Since(start).Milliseconds()
	}()

	entry := manifest.Entry{
		Fingerprint: j.fp,
		FileName:    j.rel,
		RunID:       o.runID,
		Mode:        string(o.inv.Mode),
		StartedAt:   o.now(),
	}
	if err := o.manifest.Begin(ctx, entry); err != nil {
		err = pipelineerr.Wrap(pipelineerr.StorageWrite, "manifest begin", j.rel, err)
		log.Error("file failed", zap.Error(err))
		res.Status, res.Error, res.Retryable = StatusFailed, err.Error(), true
		return res
	}

	st := &fileState{reasons: newReasonAgg()}
	rep, err := o.load(ctx, j, st, log)
	metrics.RecordStep(o.cfg.Metrics.Job, "file", err, time.Since(start))

	res.Schemas = st.schemas
	entry.FinishedAt = o.now()

	switch {
	case err == nil:
		res.Status = StatusSucceeded
		res.RowsAccepted, res.RowsQuarantined = st.accepted, st.quarantined
		res.RowsWritten = rep.Written()
		for _, t := range rep.Tables {
			res.Duplicates += t.Duplicates
		}
		if st.reasons.count > 0 {
			res.Reasons = make(map[string]int)
			for _, r := range st.reasons.top(reasonsKept) {
				res.Reasons[r] = st.reasons.buckets[r]
			}
		}

		entry.Status = manifest.Succeeded
		entry.Accepted, entry.Quarantined = st.accepted, st.quarantined
		if err := o.manifest.Record(ctx, entry); err != nil {
			// The rows are committed but the file is not marked done; leaving
			// it in place lets the next run redo it under the conflict policy.
			err = pipelineerr.Wrap(pipelineerr.StorageWrite, "manifest record", j.rel, err)
			log.Error("file failed", zap.Error(err))
			res.Status, res.Error, res.Retryable = StatusFailed, err.Error(), true
			return res
		}
		res.MovedTo = o.moveOut(j.path, o.paths.Archive, log)

		metrics.RecordRows(o.cfg.Metrics.Job, "accepted", res.RowsAccepted)
		metrics.RecordRows(o.cfg.Metrics.Job, "quarantined", res.RowsQuarantined)
		metrics.RecordRows(o.cfg.Metrics.Job, "written", res.RowsWritten)
		metrics.RecordRows(o.cfg.Metrics.Job, "duplicates", res.Duplicates)

		fields := []zap.Field{
			zap.Strings("schemas", res.Schemas),
			zap.Int64("accepted", res.RowsAccepted),
			zap.Int64("quarantined", res.RowsQuarantined),
			zap.Int64("written", res.RowsWritten),
			zap.Int64("duplicates", res.Duplicates),
		}
		if st.reasons.count > 0 {
			fields = append(fields, zap.Strings("top_reasons", st.reasons.top(3)))
		}
		log.Info("file ingested", fields...)

	case pipelineerr.IsRetryable(err):
		log.Error("file failed, left for retry", zap.Error(err))
		res.Status, res.Error, res.Retryable = StatusFailed, err.Error(), true
		if merr := o.manifest.MarkFailed(ctx, j.fp, err); merr != nil {
			log.Error("manifest update failed", zap.Error(merr))
		}

	default:
		res.Status, res.Error = StatusFailed, err.Error()
		if pipelineerr.IsKind(err, pipelineerr.SchemaMatch) {
			res.Status = StatusQuarantined
			res.Schemas = st.schemas
			log.Warn("unrecognized schema, file quarantined",
				zap.Error(err),
				zap.Strings("rolled_back_schemas", st.schemas),
				zap.Int64("rows_discarded", st.accepted+st.quarantined),
			)
		} else {
			log.Error("file failed", zap.Error(err))
		}
		entry.Status, entry.Error = manifest.Failed, err.Error()
		if merr := o.manifest.Record(ctx, entry); merr != nil {
			log.Error("manifest update failed", zap.Error(merr))
		}
		res.MovedTo = o.moveOut(j.path, o.paths.Quarantine, log)
	}
	return res
}

// load stages every logical file of j into one batch and commits it. The
// batch is rolled back on any error, so either all of j's rows become
// visible or none do.
func (o *Orchestrator) load(ctx context.Context, j job, st *fileState, log *zap.Logger) (storage.LoadReport, error) {
	in, err := datasource.Open(ctx, j.path)
	if err != nil {
		return storage.LoadReport{}, err
	}
	defer in.Close()
	if len(in.Files) == 0 {
		return storage.LoadReport{}, pipelineerr.New(pipelineerr.Ingestion, "open", "archive has no delimited-text members")
	}

	batch, err := o.store.Begin(ctx)
	if err != nil {
		return storage.LoadReport{}, err
	}
	finished := false
	defer func() {
		if !finished {
			if rerr := batch.Rollback(); rerr != nil {
				log.Warn("rollback failed", zap.Error(rerr))
			}
		}
	}()

	for _, lf := range in.Files {
		if err := o.loadLogical(ctx, batch, lf, st, log); err != nil {
			return storage.LoadReport{}, err
		}
	}

	t0 := time.Now()
	rep, err := batch.Commit(ctx)
	finished = true
	metrics.RecordStep(o.cfg.Metrics.Job, "commit", err, time.Since(t0))
	return rep, err
}

// loadLogical matches one logical file, validates its rows and stages them.
func (o *Orchestrator) loadLogical(ctx context.Context, batch storage.Batch, lf datasource.LogicalFile, st *fileState, log *zap.Logger) error {
	name := lf.Source.String()
	rc, err := lf.Open()
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.Ingestion, "open", name, err)
	}
	defer rc.Close()

	rr, err := csvparser.NewRowReader(rc, lf.Source, csvparser.Options{Encodings: o.cfg.Encodings, Logger: log})
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.Ingestion, "read header", name, err)
	}

	var def *schema.Definition
	switch m := o.registry.Match(lf.Name, rr.Header()).(type) {
	case schema.Matched:
		def = m.Schema
	case schema.Unmatched:
		return unrecognized(lf.Name, m.BestScore)
	}
	st.addSchema(def.ID)
	table := o.tables[def.ID]
	if err := o.store.EnsureTable(ctx, table); err != nil {
		return err
	}
	log.Debug("logical file matched",
		zap.String("member", lf.Source.Member),
		zap.String("schema", def.ID),
		zap.String("table", table.FQN),
		zap.String("encoding", rr.Encoding()),
		zap.String("delimiter", string(rr.Comma())),
	)

	size := o.cfg.BatchSize
	if size <= 0 {
		size = storage.DefaultBatchSize
	}
	cols := table.ColumnNames()
	resolved := def.Resolve(rr.Header())
	rows := make([]storage.Row, 0, size)
	qrows := make([]storage.QuarantineRow, 0, 64)

	flush := func() error {
		if len(rows) > 0 {
			if err := batch.Load(ctx, table, rows, o.strategy); err != nil {
				return err
			}
			rows = rows[:0]
		}
		if len(qrows) > 0 {
			if err := batch.Quarantine(ctx, o.quarantine, qrows); err != nil {
				return err
			}
			qrows = qrows[:0]
		}
		return nil
	}

	for {
		raw, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pipelineerr.Wrap(pipelineerr.Ingestion, "read rows", name, err)
		}

		rec := builtin.NormalizeWith(resolved, raw)
		switch out := o.engine.Validate(def, rec, raw).(type) {
		case transformer.Accepted:
			st.seq++
			st.accepted++
			rows = append(rows, storage.Row{Line: st.seq, Values: align(cols, out.Values)})
		case transformer.Quarantined:
			st.quarantined++
			st.reasons.add(out.Reason)
			qrows = append(qrows, o.quarantineRow(def.ID, out))
		}
		if len(rows) >= size || len(qrows) >= size {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (o *Orchestrator) quarantineRow(schemaID string, q transformer.Quarantined) storage.QuarantineRow {
	return storage.QuarantineRow{
		SchemaID: schemaID,
		Source:   o.rel(q.Source.Path),
		Member:   q.Source.Member,
		Line:     int64(q.Raw.Line),
		Header:   q.Raw.Header,
		Raw:      q.Raw.Values,
		Reason:   q.Reason,
		RunID:    o.runID,
		At:       o.now(),
	}
}

// align orders values by the table's columns; absent columns are NULL.
func align(cols []string, values map[string]any) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = values[c]
	}
	return out
}
