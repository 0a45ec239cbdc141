package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hsp1234-web/SP-DATA/internal/config"
	"github.com/hsp1234-web/SP-DATA/internal/manifest"
	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
	"github.com/hsp1234-web/SP-DATA/internal/storage/sqlite"
	"github.com/hsp1234-web/SP-DATA/internal/storage/sqlstore"
	"github.com/hsp1234-web/SP-DATA/internal/transformer/builtin"
)

const testSchemas = `
daily_ohlc:
  keywords: [daily, ohlc]
  db_table_name: fact_daily_ohlc
  required_columns: [trading_date, product_id, close]
  unique_key: [trading_date, product_id]
  columns_map:
    trading_date: {db_type: DATE, aliases: [交易日期, date]}
    product_id: {db_type: VARCHAR, aliases: [契約, symbol]}
    open: {db_type: DOUBLE, aliases: [開盤價]}
    close: {db_type: DOUBLE, aliases: [收盤價]}
    volume: {db_type: BIGINT, aliases: [成交量]}

institutional:
  keywords: [institutional]
  db_table_name: fact_institutional_investors
  required_columns: [trading_date, investor_type]
  primary_key: [trading_date, investor_type]
  columns_map:
    trading_date: {db_type: DATE, aliases: [日期]}
    investor_type: {db_type: VARCHAR, aliases: [身份別]}
    net_position: {db_type: BIGINT, aliases: [多空淨額]}

instruments:
  keywords: [instrument]
  db_table_name: dim_instrument
  required_columns: [code, v]
  unique_key: [code]
  primary_key: [id]
  columns_map:
    id: {db_type: VARCHAR}
    code: {db_type: VARCHAR}
    v: {db_type: DOUBLE}

quarantine_table_schema:
  db_table_name: quarantine_rows
  columns_map:
    quarantine_reason: {db_type: VARCHAR}
    source_file: {db_type: VARCHAR}
    source_member: {db_type: VARCHAR}
    schema_id: {db_type: VARCHAR}
    row_number: {db_type: BIGINT}
    raw_record: {db_type: VARCHAR}
    run_id: {db_type: VARCHAR}
    quarantined_at: {db_type: VARCHAR}
`

const testRules = `
daily_ohlc:
  close: {min_value: 0}
`

const dailyHeader = "交易日期,契約,開盤價,收盤價,成交量\n"

type harness struct {
	t        *testing.T
	cfg      config.RunConfig
	paths    config.Paths
	store    *sqlstore.Store
	manifest *manifest.Store
	registry *schema.Registry
	engine   *builtin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.Storage.Kind = sqlite.Kind
	cfg.MaxWorkers = 2
	cfg.BatchSize = 2

	paths, err := cfg.Resolve(config.Invocation{})
	require.NoError(t, err)
	require.NoError(t, paths.Ensure())

	st, err := storage.New(ctx, storage.Config{Kind: sqlite.Kind, DSN: cfg.StorageDSN(paths), BatchSize: cfg.BatchSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	man, err := manifest.Open(ctx, paths.ManifestPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = man.Close() })

	reg, err := schema.Parse([]byte(testSchemas), schema.DefaultMatchPolicy())
	require.NoError(t, err)
	rules, err := builtin.ParseRules([]byte(testRules), reg)
	require.NoError(t, err)

	return &harness{
		t:        t,
		cfg:      cfg,
		paths:    paths,
		store:    st.(*sqlstore.Store),
		manifest: man,
		registry: reg,
		engine:   builtin.NewEngine(rules),
	}
}

type runOpts struct {
	mode     config.Mode
	conflict storage.ConflictStrategy
	runID    string
	now      time.Time
	targets  []string
	store    storage.Store
	ctx      context.Context
}

func (h *harness) run(o runOpts) Summary {
	h.t.Helper()
	if o.mode == "" {
		o.mode = config.Normal
	}
	if o.conflict == "" {
		o.conflict = storage.Replace
	}
	if o.now.IsZero() {
		o.now = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	}
	var st storage.Store = h.store
	if o.store != nil {
		st = o.store
	}
	now := o.now
	orch, err := New(Options{
		Config:     h.cfg,
		Invocation: config.Invocation{Mode: o.mode, Conflict: o.conflict, TargetFiles: o.targets},
		Paths:      h.paths,
		RunID:      o.runID,
	}, Deps{
		Registry: h.registry,
		Engine:   h.engine,
		Manifest: h.manifest,
		Store:    st,
		Logger:   zaptest.NewLogger(h.t),
		Now:      func() time.Time { return now },
	})
	require.NoError(h.t, err)
	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	sum, err := orch.Run(ctx)
	require.NoError(h.t, err)
	return sum
}

func (h *harness) input(name, content string) string {
	h.t.Helper()
	p := filepath.Join(h.paths.Input, filepath.FromSlash(name))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (h *harness) zipInput(name string, members map[string]string, order ...string) string {
	h.t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range order {
		w, err := zw.Create(m)
		require.NoError(h.t, err)
		_, err = w.Write([]byte(members[m]))
		require.NoError(h.t, err)
	}
	require.NoError(h.t, zw.Close())
	return h.input(name, buf.String())
}

func (h *harness) count(table string) int {
	h.t.Helper()
	var n int
	err := h.store.DB().QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&n)
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return 0
	}
	require.NoError(h.t, err)
	return n
}

func (h *harness) close(date, product string) float64 {
	h.t.Helper()
	var v float64
	require.NoError(h.t, h.store.DB().QueryRow(
		`SELECT "close" FROM "fact_daily_ohlc" WHERE "trading_date" = ? AND "product_id" = ?`, date, product).Scan(&v))
	return v
}

func (h *harness) entry(fp string) manifest.Entry {
	h.t.Helper()
	e, ok, err := h.manifest.Get(context.Background(), fp)
	require.NoError(h.t, err)
	require.True(h.t, ok, "manifest entry for %s", fp)
	return e
}

func (h *harness) fingerprint(p string) string {
	h.t.Helper()
	fp, err := manifest.Fingerprint(context.Background(), p)
	require.NoError(h.t, err)
	return fp
}

func fileResult(t *testing.T, sum Summary, path string) FileResult {
	t.Helper()
	for _, r := range sum.Files {
		if r.Path == path {
			return r
		}
	}
	t.Fatalf("no result for %s in %+v", path, sum.Files)
	return FileResult{}
}

func TestRun_IngestsAndArchives(t *testing.T) {
	h := newHarness(t)
	p := h.input("TX_daily_20240102.csv", dailyHeader+
		"2024/01/02,TX,17800,17850,120000\n"+
		"2024/01/02,MTX,17800,17851,54000\n"+
		"2024/01/03,TX,17850,17900,110000\n")
	fp := h.fingerprint(p)

	sum := h.run(runOpts{runID: "run-1"})

	assert.Equal(t, 1, sum.FilesSeen)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 0, sum.ExitCode())
	assert.Equal(t, int64(3), sum.RowsAccepted)

	r := fileResult(t, sum, "TX_daily_20240102.csv")
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, []string{"daily_ohlc"}, r.Schemas)
	assert.Equal(t, int64(3), r.RowsWritten)
	assert.Equal(t, fp, r.Fingerprint)

	assert.Equal(t, 3, h.count("fact_daily_ohlc"))
	assert.Equal(t, 17851.0, h.close("2024-01-02", "MTX"))

	assert.NoFileExists(t, p)
	assert.FileExists(t, filepath.Join(h.paths.Archive, "TX_daily_20240102.csv"))

	e := h.entry(fp)
	assert.Equal(t, manifest.Succeeded, e.Status)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, "NORMAL", e.Mode)
	assert.Equal(t, int64(3), e.Accepted)

	reports, err := filepath.Glob(filepath.Join(h.paths.Processed, "run_*_run-1.json"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestRun_NormalSkipsProcessedFiles(t *testing.T) {
	h := newHarness(t)
	content := dailyHeader + "2024/01/02,TX,17800,17850,120000\n"
	p := h.input("TX_daily.csv", content)
	fp := h.fingerprint(p)

	first := h.run(runOpts{runID: "run-1"})
	require.Equal(t, 1, first.Succeeded)
	before := h.entry(fp)

	// Same bytes dropped in again under another name.
	again := h.input("TX_daily_copy.csv", content)
	sum := h.run(runOpts{runID: "run-2", now: before.FinishedAt.Add(time.Hour)})

	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Succeeded)
	assert.Equal(t, "already processed", fileResult(t, sum, "TX_daily_copy.csv").Error)
	assert.FileExists(t, again, "skipped files stay in the input dir")
	assert.Equal(t, 1, h.count("fact_daily_ohlc"))

	after := h.entry(fp)
	assert.Equal(t, before.RunID, after.RunID)
	assert.Equal(t, before.FinishedAt, after.FinishedAt)
}

func TestRun_BackfillReprocesses(t *testing.T) {
	h := newHarness(t)
	content := dailyHeader + "2024/01/02,TX,17800,17850,120000\n"
	fp := h.fingerprint(h.input("TX_daily.csv", content))

	t1 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	h.run(runOpts{runID: "run-1", now: t1})
	require.Equal(t, "run-1", h.entry(fp).RunID)

	h.input("TX_daily.csv", content)
	t2 := t1.Add(24 * time.Hour)
	sum := h.run(runOpts{runID: "run-2", now: t2, mode: config.Backfill})

	require.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, "BACKFILL", sum.Mode)
	assert.Equal(t, 1, h.count("fact_daily_ohlc"))

	e := h.entry(fp)
	assert.Equal(t, manifest.Succeeded, e.Status)
	assert.Equal(t, "run-2", e.RunID)
	assert.Equal(t, "BACKFILL", e.Mode)
	assert.True(t, e.FinishedAt.Equal(t2), "finished at %v", e.FinishedAt)
}

func TestRun_ConflictStrategies(t *testing.T) {
	for _, tc := range []struct {
		strategy storage.ConflictStrategy
		want     float64
	}{
		{storage.Replace, 17900},
		{storage.Ignore, 17850},
	} {
		t.Run(string(tc.strategy), func(t *testing.T) {
			h := newHarness(t)
			h.input("TX_daily.csv", dailyHeader+
				"2024/01/02,TX,17800,17850,120000\n"+
				"2024/01/02,MTX,17800,17000,1\n"+
				"2024/01/02,TX,17800,17900,130000\n")

			sum := h.run(runOpts{conflict: tc.strategy})

			r := fileResult(t, sum, "TX_daily.csv")
			require.Equal(t, StatusSucceeded, r.Status)
			assert.Equal(t, int64(3), r.RowsAccepted)
			assert.Equal(t, int64(1), r.Duplicates)
			assert.Equal(t, 2, h.count("fact_daily_ohlc"))
			assert.Equal(t, tc.want, h.close("2024-01-02", "TX"))
		})
	}
}

func TestRun_ReplaceOverwritesEarlierFiles(t *testing.T) {
	h := newHarness(t)
	h.input("TX_daily_a.csv", dailyHeader+"2024/01/02,TX,17800,17850,120000\n")
	h.run(runOpts{})

	h.input("TX_daily_b.csv", dailyHeader+"2024/01/02,TX,17800,17999,120000\n")
	h.run(runOpts{conflict: storage.Ignore})
	assert.Equal(t, 17850.0, h.close("2024-01-02", "TX"))

	h.input("TX_daily_c.csv", dailyHeader+"2024/01/02,TX,17800,18000,120000\n")
	h.run(runOpts{conflict: storage.Replace})
	assert.Equal(t, 18000.0, h.close("2024-01-02", "TX"))
	assert.Equal(t, 1, h.count("fact_daily_ohlc"))
}

func TestRun_UnrecognizedFileIsQuarantined(t *testing.T) {
	h := newHarness(t)
	p := h.input("notes.csv", "foo,bar\n1,2\n")
	fp := h.fingerprint(p)

	sum := h.run(runOpts{})

	r := fileResult(t, sum, "notes.csv")
	assert.Equal(t, StatusQuarantined, r.Status)
	assert.Contains(t, r.Error, "unrecognized schema")
	assert.Equal(t, 1, sum.Quarantined)
	assert.Equal(t, 0, sum.ExitCode())

	assert.NoFileExists(t, p)
	assert.FileExists(t, filepath.Join(h.paths.Quarantine, "notes.csv"))
	assert.Zero(t, h.count("fact_daily_ohlc"))
	assert.Zero(t, h.count("quarantine_rows"))

	e := h.entry(fp)
	assert.Equal(t, manifest.Failed, e.Status)
	assert.Contains(t, e.Error, "unrecognized schema")
}

func TestRun_RowQuarantineNamesColumn(t *testing.T) {
	h := newHarness(t)
	h.input("TX_daily.csv", dailyHeader+
		"2024/01/02,TX,17800,17850,120000\n"+
		"2024/01/03,TX,17800,-1,120000\n"+
		"2024/01/04,TX,17800,abc,120000\n")

	sum := h.run(runOpts{runID: "run-q"})

	r := fileResult(t, sum, "TX_daily.csv")
	require.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, int64(1), r.RowsAccepted)
	assert.Equal(t, int64(2), r.RowsQuarantined)
	assert.Contains(t, r.Reasons, "column close: min_value 0 violated (got -1)")
	assert.Equal(t, 1, h.count("fact_daily_ohlc"))
	assert.Equal(t, 2, h.count("quarantine_rows"))

	var reason, source, schemaID, runID string
	var line int64
	require.NoError(t, h.store.DB().QueryRow(
		`SELECT "quarantine_reason", "source_file", "schema_id", "run_id", "row_number" FROM "quarantine_rows" WHERE "row_number" = 2`).
		Scan(&reason, &source, &schemaID, &runID, &line))
	assert.Contains(t, reason, "column close")
	assert.Equal(t, "TX_daily.csv", source)
	assert.Equal(t, "daily_ohlc", schemaID)
	assert.Equal(t, "run-q", runID)
}

func TestRun_ZipMembersShareOneBatch(t *testing.T) {
	h := newHarness(t)
	p := h.zipInput("TX_2024.zip", map[string]string{
		"jan/a.csv":  dailyHeader + "2024/01/02,TX,17800,17850,120000\n2024/01/03,TX,1,2,3\n",
		"jan/b.csv":  dailyHeader + "2024/01/02,TX,17800,17990,120000\n",
		"README.md":  "not data",
		"jan/c.txt":  "日期,身份別,多空淨額\n2024/01/02,外資,-1200\n",
		"__MACOSX/x": "junk",
	}, "jan/a.csv", "jan/b.csv", "README.md", "jan/c.txt", "__MACOSX/x")

	sum := h.run(runOpts{})

	r := fileResult(t, sum, "TX_2024.zip")
	require.Equal(t, StatusSucceeded, r.Status, r.Error)
	assert.ElementsMatch(t, []string{"daily_ohlc", "institutional"}, r.Schemas)
	assert.Equal(t, int64(4), r.RowsAccepted)
	assert.Equal(t, 2, h.count("fact_daily_ohlc"))
	assert.Equal(t, 1, h.count("fact_institutional_investors"))
	assert.Equal(t, 17990.0, h.close("2024-01-02", "TX"), "later members win under REPLACE")
	assert.NoFileExists(t, p)
}

func TestRun_UnrecognizedMemberRollsBackArchive(t *testing.T) {
	h := newHarness(t)
	h.zipInput("TX_bundle.zip", map[string]string{
		"a.csv": dailyHeader + "2024/01/02,TX,17800,17850,120000\n",
		"b.csv": "foo,bar\n1,2\n",
	}, "a.csv", "b.csv")

	sum := h.run(runOpts{})

	r := fileResult(t, sum, "TX_bundle.zip")
	assert.Equal(t, StatusQuarantined, r.Status)
	assert.Contains(t, r.Error, "b.csv", "the unmatched member is named")
	assert.Equal(t, []string{"daily_ohlc"}, r.Schemas, "members rolled back with it are listed")
	assert.Zero(t, h.count("fact_daily_ohlc"))
	assert.FileExists(t, filepath.Join(h.paths.Quarantine, "TX_bundle.zip"))
}

func TestRun_UnreadableFilesFail(t *testing.T) {
	h := newHarness(t)
	h.input("broken_daily.zip", "PK\x03\x04this is not an archive")
	h.input("empty_daily.csv", "")
	h.zipInput("docs_daily.zip", map[string]string{"README.md": "x"}, "README.md")

	sum := h.run(runOpts{})

	assert.Equal(t, 3, sum.Failed)
	assert.Equal(t, 1, sum.ExitCode())
	for _, name := range []string{"broken_daily.zip", "empty_daily.csv", "docs_daily.zip"} {
		r := fileResult(t, sum, name)
		assert.Equal(t, StatusFailed, r.Status, name)
		assert.False(t, r.Retryable, name)
		assert.FileExists(t, filepath.Join(h.paths.Quarantine, name))
	}
}

func TestRun_DuplicateContentInOneRun(t *testing.T) {
	h := newHarness(t)
	content := dailyHeader + "2024/01/02,TX,17800,17850,120000\n"
	h.input("a_daily.csv", content)
	dup := h.input("sub/b_daily.csv", content)

	sum := h.run(runOpts{})

	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, "duplicate of a_daily.csv", fileResult(t, sum, "sub/b_daily.csv").Error)
	assert.FileExists(t, dup)
}

func TestRun_TargetFiles(t *testing.T) {
	h := newHarness(t)
	h.input("a_daily.csv", dailyHeader+"2024/01/02,TX,17800,17850,120000\n")
	other := h.input("b_daily.csv", dailyHeader+"2024/01/03,TX,17800,17850,120000\n")

	sum := h.run(runOpts{targets: []string{"a_daily.csv"}})

	assert.Equal(t, 1, sum.FilesSeen)
	assert.Equal(t, "a_daily.csv", sum.Files[0].Path)
	assert.FileExists(t, other)
	assert.Equal(t, 1, h.count("fact_daily_ohlc"))
}

func TestRun_EmptyInput(t *testing.T) {
	h := newHarness(t)
	sum := h.run(runOpts{})
	assert.Zero(t, sum.FilesSeen)
	assert.Equal(t, 0, sum.ExitCode())
}

// failingStore fails every commit with a storage error.
type failingStore struct {
	storage.Store
}

func (s failingStore) Begin(ctx context.Context) (storage.Batch, error) {
	b, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingBatch{b}, nil
}

type failingBatch struct {
	storage.Batch
}

func (b failingBatch) Commit(context.Context) (storage.LoadReport, error) {
	_ = b.Batch.Rollback()
	return storage.LoadReport{}, storage.Wrap("commit", errors.New("disk full"))
}

func TestRun_CommitFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	p := h.input("TX_daily.csv", dailyHeader+"2024/01/02,TX,17800,17850,120000\n")
	fp := h.fingerprint(p)

	sum := h.run(runOpts{store: failingStore{h.store}})

	r := fileResult(t, sum, "TX_daily.csv")
	assert.Equal(t, StatusFailed, r.Status)
	assert.True(t, r.Retryable)
	assert.Contains(t, r.Error, "disk full")
	assert.Equal(t, 1, sum.ExitCode())
	assert.FileExists(t, p, "retryable failures stay in the input dir")
	assert.Zero(t, h.count("fact_daily_ohlc"))
	assert.Equal(t, manifest.Failed, h.entry(fp).Status)

	sum = h.run(runOpts{})
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, h.count("fact_daily_ohlc"))
	assert.Equal(t, manifest.Succeeded, h.entry(fp).Status)
}

func TestRun_FingerprintFailure(t *testing.T) {
	h := newHarness(t)
	h.input("TX_daily.csv", dailyHeader+"2024/01/02,TX,17800,17850,120000\n")

	orig := fingerprintFn
	fingerprintFn = func(context.Context, string) (string, error) { return "", errors.New("read: input/output error") }
	t.Cleanup(func() { fingerprintFn = orig })

	sum := h.run(runOpts{})

	r := fileResult(t, sum, "TX_daily.csv")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Error, "input/output error")
	assert.FileExists(t, filepath.Join(h.paths.Quarantine, "TX_daily.csv"))
}

func TestRun_CancelledWhileFingerprinting(t *testing.T) {
	h := newHarness(t)
	a := h.input("a_daily.csv", dailyHeader+"2024/01/02,TX,17800,17850,120000\n")
	b := h.input("b_daily.csv", dailyHeader+"2024/01/03,TX,17800,17850,120000\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orig := fingerprintFn
	fingerprintFn = func(ctx context.Context, p string) (string, error) {
		cancel()
		return orig(ctx, p)
	}
	t.Cleanup(func() { fingerprintFn = orig })

	sum := h.run(runOpts{ctx: ctx})

	assert.Equal(t, 2, sum.Skipped)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 0, sum.ExitCode())
	for _, p := range []string{a, b} {
		r := fileResult(t, sum, h.rel(p))
		assert.Equal(t, StatusSkipped, r.Status)
		assert.Equal(t, "run cancelled", r.Error)
		assert.FileExists(t, p, "unstarted files stay in the input dir")
	}
	entries, err := os.ReadDir(h.paths.Quarantine)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func (h *harness) rel(p string) string {
	r, err := filepath.Rel(h.paths.Input, p)
	require.NoError(h.t, err)
	return filepath.ToSlash(r)
}

func (h *harness) instrument(code string) (id string, v float64) {
	h.t.Helper()
	require.NoError(h.t, h.store.DB().QueryRow(
		`SELECT "id", "v" FROM "dim_instrument" WHERE "code" = ?`, code).Scan(&id, &v))
	return id, v
}

func TestRun_PrimaryKeyBesideUniqueKey(t *testing.T) {
	h := newHarness(t)
	first := h.input("instrument_a.csv", "id,code,v\nX,A,10\n,B,20\n")

	sum := h.run(runOpts{})

	r := fileResult(t, sum, "instrument_a.csv")
	require.Equal(t, StatusSucceeded, r.Status, r.Error)
	assert.Equal(t, int64(1), r.RowsAccepted)
	assert.Equal(t, int64(1), r.RowsQuarantined)
	assert.Contains(t, r.Reasons, "missing required column: id")
	assert.NoFileExists(t, first)
	assert.Equal(t, 1, h.count("dim_instrument"))

	// X collides with the stored row on the primary key only and is left
	// out; A collides on the unique key and updates the stored row.
	h.input("instrument_b.csv", "id,code,v\nX,C,40\nZ,D,50\nY,A,30\n")
	sum = h.run(runOpts{})

	r = fileResult(t, sum, "instrument_b.csv")
	require.Equal(t, StatusSucceeded, r.Status, r.Error)
	assert.False(t, r.Retryable)
	assert.Equal(t, 2, h.count("dim_instrument"))
	id, v := h.instrument("A")
	assert.Equal(t, "X", id)
	assert.Equal(t, 30.0, v)
	id, v = h.instrument("D")
	assert.Equal(t, "Z", id)
	assert.Equal(t, 50.0, v)
}

func TestNew_Validates(t *testing.T) {
	h := newHarness(t)
	inv := config.Invocation{Mode: config.Normal, Conflict: storage.Replace}

	_, err := New(Options{Config: h.cfg, Invocation: inv, Paths: h.paths}, Deps{Registry: h.registry, Store: h.store})
	assert.True(t, pipelineerr.IsKind(err, pipelineerr.Configuration))

	_, err = New(Options{Config: h.cfg, Invocation: config.Invocation{Mode: "FAST", Conflict: storage.Replace}, Paths: h.paths},
		Deps{Registry: h.registry, Store: h.store, Manifest: h.manifest})
	assert.True(t, pipelineerr.IsKind(err, pipelineerr.Configuration))

	_, err = New(Options{Config: h.cfg, Invocation: inv}, Deps{Registry: h.registry, Store: h.store, Manifest: h.manifest})
	assert.True(t, pipelineerr.IsKind(err, pipelineerr.Configuration))

	o, err := New(Options{Config: h.cfg, Invocation: inv, Paths: h.paths}, Deps{Registry: h.registry, Store: h.store, Manifest: h.manifest})
	require.NoError(t, err)
	assert.NotEmpty(t, o.RunID())
}
