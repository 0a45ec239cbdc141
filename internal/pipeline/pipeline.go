// Package pipeline runs one ingestion pass over a project's input directory.
//
// The orchestrator discovers input files, fingerprints them, skips those the
// manifest already records as ingested (NORMAL mode), and hands the rest to a
// bounded pool of workers. Each worker owns one top-level file end to end:
// it expands archives, matches every logical file to a schema, normalizes
// and validates rows, stages accepted and quarantined rows in a single store
// batch and commits it, then finalizes the manifest and moves the file out of
// the input directory. Workers share only the manifest and the store; a
// failing file never cancels the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hsp1234-web/SP-DATA/internal/config"
	"github.com/hsp1234-web/SP-DATA/internal/datasource"
	"github.com/hsp1234-web/SP-DATA/internal/ddl"
	"github.com/hsp1234-web/SP-DATA/internal/manifest"
	"github.com/hsp1234-web/SP-DATA/internal/metrics"
	"github.com/hsp1234-web/SP-DATA/internal/monitor"
	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
	"github.com/hsp1234-web/SP-DATA/internal/transformer/builtin"
)

// Manifest is the subset of the manifest store the orchestrator uses.
type Manifest interface {
	IsProcessed(ctx context.Context, fp string) (bool, error)
	Begin(ctx context.Context, e manifest.Entry) error
	Record(ctx context.Context, e manifest.Entry) error
	MarkFailed(ctx context.Context, fp string, cause error) error
}

// Options are the already-parsed settings of one run.
type Options struct {
	Config     config.RunConfig
	Invocation config.Invocation
	Paths      config.Paths
	// RunID identifies the run in the manifest, the quarantine table and the
	// report. A random UUID is used when empty.
	RunID string
}

// Deps are the shared components the orchestrator drives.
type Deps struct {
	Registry *schema.Registry
	Engine   *builtin.Engine
	Manifest Manifest
	Store    storage.Store
	Logger   *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs ingestion passes. It is safe to call Run more than once,
// but not concurrently.
type Orchestrator struct {
	cfg      config.RunConfig
	inv      config.Invocation
	paths    config.Paths
	runID    string
	strategy storage.ConflictStrategy

	registry   *schema.Registry
	engine     *builtin.Engine
	manifest   Manifest
	store      storage.Store
	log        *zap.Logger
	now        func() time.Time
	tables     map[string]ddl.TableDef
	quarantine ddl.TableDef
}

// fingerprintFn is a test seam.
var fingerprintFn = manifest.Fingerprint

// New validates opts and derives the table definitions of every schema.
// Any problem is a Configuration error.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Manifest == nil || deps.Store == nil {
		return nil, pipelineerr.New(pipelineerr.Configuration, "new pipeline", "registry, manifest and store are required")
	}
	if err := opts.Invocation.Validate(); err != nil {
		return nil, err
	}
	if err := config.Err(config.Validate(opts.Config)); err != nil {
		return nil, err
	}
	if opts.Paths.Input == "" {
		return nil, pipelineerr.New(pipelineerr.Configuration, "new pipeline", "project paths are not resolved")
	}
	if deps.Engine == nil {
		deps.Engine = builtin.NewEngine(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	types := deps.Store.Types()
	tables := make(map[string]ddl.TableDef, len(deps.Registry.Schemas()))
	for _, def := range deps.Registry.Schemas() {
		t, err := ddl.ForSchema(def, types)
		if err != nil {
			return nil, pipelineerr.Wrap(pipelineerr.Configuration, "table for schema "+def.ID, "", err)
		}
		tables[def.ID] = t
	}
	q, err := ddl.ForQuarantine(deps.Registry.Quarantine(), types)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.Configuration, "quarantine table", "", err)
	}

	return &Orchestrator{
		cfg:        opts.Config,
		inv:        opts.Invocation,
		paths:      opts.Paths,
		runID:      opts.RunID,
		strategy:   opts.Invocation.Strategy(opts.Config),
		registry:   deps.Registry,
		engine:     deps.Engine,
		manifest:   deps.Manifest,
		store:      deps.Store,
		log:        deps.Logger.With(zap.String("run_id", opts.RunID)),
		now:        deps.Now,
		tables:     tables,
		quarantine: q,
	}, nil
}

// RunID returns the identifier of the orchestrator's runs.
func (o *Orchestrator) RunID() string { return o.runID }

// job is one discovered input file.
type job struct {
	path string
	rel  string
	fp   string
}

// Run performs one ingestion pass. The returned error is non-nil only when
// the pass could not start (input directory unreadable, quarantine table
// unavailable); per-file failures are reported in the Summary.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start := o.now()
	sum := Summary{
		RunID:     o.runID,
		Mode:      string(o.inv.Mode),
		Conflict:  string(o.strategy),
		StartedAt: start,
	}
	o.log.Info("run started",
		zap.String("mode", sum.Mode),
		zap.String("conflict", sum.Conflict),
		zap.String("input", o.paths.Input),
		zap.Int("workers", o.cfg.Workers()),
		zap.Strings("targets", o.inv.TargetFiles),
	)
	monitor.Log(ctx, o.log, "host usage before run", o.paths.Root)

	err := o.run(ctx, &sum)
	sum.FinishedAt = o.now()
	metrics.RecordStep(o.cfg.Metrics.Job, "run", err, sum.Duration())
	if err != nil {
		return sum, err
	}

	if p, err := WriteReport(o.paths.Processed, sum); err != nil {
		o.log.Warn("run report not written", zap.Error(err))
	} else {
		o.log.Debug("run report written", zap.String("path", p))
	}
	o.log.Info("run finished",
		zap.Int("files", sum.FilesSeen),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("quarantined", sum.Quarantined),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int64("rows_accepted", sum.RowsAccepted),
		zap.Int64("rows_quarantined", sum.RowsQuarantined),
		zap.Duration("elapsed", sum.Duration().Truncate(time.Millisecond)),
	)
	monitor.Log(ctx, o.log, "host usage after run", o.paths.Root)
	return sum, nil
}

func (o *Orchestrator) run(ctx context.Context, sum *Summary) error {
	if err := o.store.EnsureTable(ctx, o.quarantine); err != nil {
		return err
	}

	t0 := time.Now()
	paths, err := datasource.Discover(ctx, o.paths.Input, o.inv.TargetFiles)
	metrics.RecordStep(o.cfg.Metrics.Job, "discover", err, time.Since(t0))
	if err != nil {
		return err
	}
	o.log.Info("input discovered", zap.Int("files", len(paths)))
	if len(paths) == 0 {
		return nil
	}

	jobs, early := o.plan(ctx, paths)
	results := make([]FileResult, len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers())
	for i, j := range jobs {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = FileResult{Path: j.rel, Fingerprint: j.fp, Status: StatusSkipped, Error: "run cancelled"}
				return nil
			}
			results[i] = o.processFile(context.WithoutCancel(ctx), j)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range append(early, results...) {
		sum.add(r)
		metrics.RecordFile(o.cfg.Metrics.Job, string(r.Status))
	}
	sort.SliceStable(sum.Files, func(a, b int) bool { return sum.Files[a].Path < sum.Files[b].Path })
	return nil
}

// plan fingerprints paths in parallel and drops files that need no work:
// duplicates within this run and, in NORMAL mode, files already ingested.
// Results for dropped or unreadable files are returned as early. Once ctx is
// cancelled the remaining files are skipped and left in place.
func (o *Orchestrator) plan(ctx context.Context, paths []string) (jobs []job, early []FileResult) {
	fps := make([]string, len(paths))
	errs := make([]error, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers())
	for i, p := range paths {
		g.Go(func() error {
			if ctx.Err() == nil {
				fps[i], errs[i] = fingerprintFn(ctx, p)
			}
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]string, len(paths))
	for i, p := range paths {
		rel := o.rel(p)
		log := o.log.With(zap.String("file", rel))
		if ctx.Err() != nil {
			log.Warn("run cancelled before processing")
			early = append(early, FileResult{Path: rel, Fingerprint: fps[i], Status: StatusSkipped, Error: "run cancelled"})
			continue
		}
		if errs[i] != nil {
			err := pipelineerr.Wrap(pipelineerr.Ingestion, "fingerprint", rel, errs[i])
			log.Error("fingerprint failed", zap.Error(err))
			r := FileResult{Path: rel, Status: StatusFailed, Error: err.Error()}
			r.MovedTo = o.moveOut(p, o.paths.Quarantine, log)
			early = append(early, r)
			continue
		}
		fp := fps[i]
		if first, dup := seen[fp]; dup {
			log.Warn("duplicate content in this run, skipping", zap.String("same_as", first))
			early = append(early, FileResult{Path: rel, Fingerprint: fp, Status: StatusSkipped, Error: "duplicate of " + first})
			continue
		}
		seen[fp] = rel

		if o.inv.Mode == config.Normal {
			done, err := o.manifest.IsProcessed(ctx, fp)
			if err != nil {
				err = pipelineerr.Wrap(pipelineerr.StorageWrite, "manifest lookup", rel, err)
				log.Error("manifest lookup failed", zap.Error(err))
				early = append(early, FileResult{Path: rel, Fingerprint: fp, Status: StatusFailed, Error: err.Error(), Retryable: true})
				continue
			}
			if done {
				log.Info("already ingested, skipping", zap.String("fingerprint", fp))
				early = append(early, FileResult{Path: rel, Fingerprint: fp, Status: StatusSkipped, Error: "already processed"})
				continue
			}
		}
		jobs = append(jobs, job{path: p, rel: rel, fp: fp})
	}
	return jobs, early
}

// rel renders p relative to the input directory.
func (o *Orchestrator) rel(p string) string {
	r, err := filepath.Rel(o.paths.Input, p)
	if err != nil {
		return filepath.Base(p)
	}
	return filepath.ToSlash(r)
}

// moveOut moves src into dir, keeping its path relative to the input
// directory, and returns the destination. Failures are logged and yield "".
func (o *Orchestrator) moveOut(src, dir string, log *zap.Logger) string {
	dst := filepath.Join(dir, filepath.FromSlash(o.rel(src)))
	if err := moveFile(src, dst); err != nil {
		log.Error("move failed", zap.String("to", dst), zap.Error(err))
		return ""
	}
	log.Debug("moved", zap.String("to", dst))
	return dst
}

// errUnrecognized marks a logical file no schema matched.
var errUnrecognized = errors.New("unrecognized schema")

func unrecognized(name string, best int) error {
	return pipelineerr.Wrap(pipelineerr.SchemaMatch, "match", name,
		fmt.Errorf("%w (best score %d)", errUnrecognized, best))
}
