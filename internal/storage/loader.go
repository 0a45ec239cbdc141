package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CopyFn abstracts a backend's bulk insert capability. Implementations insert
// the provided rows (aligned to columns) into table and return the number of
// rows inserted.
type CopyFn func(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

// Buffer groups rows into batches of size and calls copyFn for each full
// batch, so staging memory stays bounded regardless of file size.
//
// Progress is logged at debug level on every successful flush with running
// totals and rows/sec since the previous flush.
type Buffer struct {
	table   string
	columns []string
	size    int
	copyFn  CopyFn
	log     *zap.Logger

	batch     [][]any
	total     int64
	batches   int64
	start     time.Time
	lastFlush time.Time
	lastTotal int64
}

// NewBuffer returns a Buffer that copies into table.
func NewBuffer(table string, columns []string, size int, copyFn CopyFn, log *zap.Logger) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("storage: batch size must be > 0")
	}
	if copyFn == nil {
		return nil, fmt.Errorf("storage: copyFn must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now()
	return &Buffer{
		table:     table,
		columns:   columns,
		size:      size,
		copyFn:    copyFn,
		log:       log,
		batch:     make([][]any, 0, size),
		start:     now,
		lastFlush: now,
	}, nil
}

// Add appends row, flushing when the buffer is full.
func (b *Buffer) Add(ctx context.Context, row []any) error {
	if len(row) != len(b.columns) {
		return fmt.Errorf("storage: row length %d != columns length %d", len(row), len(b.columns))
	}
	b.batch = append(b.batch, row)
	if len(b.batch) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

// Flush copies any buffered rows.
func (b *Buffer) Flush(ctx context.Context) error {
	if len(b.batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := b.copyFn(ctx, b.table, b.columns, b.batch)
	b.total += n
	b.batch = b.batch[:0]
	if err != nil {
		return fmt.Errorf("storage: copy into %s: %w", b.table, err)
	}

	b.batches++
	now := time.Now()
	since := now.Sub(b.lastFlush)
	rps := float64(0)
	if since > 0 {
		rps = float64(b.total-b.lastTotal) / since.Seconds()
	}
	b.log.Debug("staged batch",
		zap.String("table", b.table),
		zap.Int64("batch", b.batches),
		zap.Int64("inserted", n),
		zap.Int64("total", b.total),
		zap.Float64("rps", rps),
		zap.Duration("elapsed", now.Sub(b.start).Truncate(time.Millisecond)),
	)
	b.lastFlush = now
	b.lastTotal = b.total
	return nil
}

// Total is the number of rows copied so far.
func (b *Buffer) Total() int64 { return b.total }

// Pending is the number of buffered rows not yet copied.
func (b *Buffer) Pending() int { return len(b.batch) }
