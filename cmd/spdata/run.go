package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hsp1234-web/SP-DATA/internal/config"
	"github.com/hsp1234-web/SP-DATA/internal/datasource/file"
	"github.com/hsp1234-web/SP-DATA/internal/logging"
	"github.com/hsp1234-web/SP-DATA/internal/manifest"
	"github.com/hsp1234-web/SP-DATA/internal/metrics"
	"github.com/hsp1234-web/SP-DATA/internal/metrics/prompush"
	"github.com/hsp1234-web/SP-DATA/internal/monitor"
	"github.com/hsp1234-web/SP-DATA/internal/pipeline"
	"github.com/hsp1234-web/SP-DATA/internal/schema"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
	"github.com/hsp1234-web/SP-DATA/internal/transformer/builtin"
)

// monitorInterval is how often host usage is logged in debug mode.
const monitorInterval = 30 * time.Second

type runOptions struct {
	configPath  string
	project     string
	mode        string
	conflict    string
	workspace   string
	targets     string
	targetsFile string
	debug       bool
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion pass over the project's input directory",
		Long: `Run discovers files in the project's input directory, matches each to a
known schema, validates its rows and loads them into the configured store.
Rows that fail validation go to the quarantine table; files that match no
schema go to the quarantine directory.

The exit status is 1 when any file could not be read or committed.

Example:
  spdata run --config spdata.yaml --project MyTaifexDataProject --mode BACKFILL --conflict REPLACE`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := execute(cmd.Context(), o, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "run config file (YAML or JSON); defaults and SPDATA_* env apply when empty")
	f.StringVarP(&o.project, "project", "p", "", "project folder name (overrides project_folder)")
	f.StringVarP(&o.mode, "mode", "m", string(config.Normal), "NORMAL skips files already ingested; BACKFILL reprocesses them")
	f.StringVar(&o.conflict, "conflict", string(storage.Replace), "key conflict strategy: REPLACE or IGNORE")
	f.StringVarP(&o.workspace, "workspace", "w", "", "workspace root (overrides workspace_root)")
	f.StringVar(&o.targets, "files", "", "comma-separated input file names to process; all when empty")
	f.StringVar(&o.targetsFile, "files-from", "", "file listing input file names to process, one per line")
	f.BoolVar(&o.debug, "debug", false, "debug logging and host usage sampling")
	return cmd
}

// invocation builds the validated run parameters from flags.
func (o runOptions) invocation() (config.Invocation, error) {
	mode, err := config.ParseMode(o.mode)
	if err != nil {
		return config.Invocation{}, err
	}
	conflict, err := storage.ParseConflict(o.conflict)
	if err != nil {
		return config.Invocation{}, err
	}
	targets := file.SplitList(o.targets)
	if o.targetsFile != "" {
		more, err := file.ReadList(o.targetsFile)
		if err != nil {
			return config.Invocation{}, fmt.Errorf("target list: %w", err)
		}
		targets = append(targets, more...)
	}
	inv := config.Invocation{
		Project:           o.project,
		Mode:              mode,
		Conflict:          conflict,
		WorkspaceOverride: o.workspace,
		TargetFiles:       targets,
	}
	return inv, inv.Validate()
}

// execute performs one run and returns its exit status. Errors are setup
// failures: bad configuration, unreadable schemas, unavailable stores.
func execute(ctx context.Context, o runOptions, out io.Writer) (int, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return 1, err
	}
	if o.debug {
		cfg.Debug = true
	}
	inv, err := o.invocation()
	if err != nil {
		return 1, err
	}
	issues := config.Validate(cfg)
	printIssues(out, issues)
	if err := config.Err(issues); err != nil {
		return 1, err
	}

	paths, err := cfg.Resolve(inv)
	if err != nil {
		return 1, err
	}
	if err := paths.Ensure(); err != nil {
		return 1, err
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel(), Encoding: cfg.Log.Format, File: cfg.LogFile(paths)})
	if err != nil {
		return 1, err
	}
	defer func() { _ = log.Sync() }()

	if url := cfg.Metrics.PushgatewayURL; url != "" {
		b, err := prompush.NewBackend(cfg.Metrics.Job, url)
		if err != nil {
			log.Warn("metrics disabled", zap.Error(err))
		} else {
			log.Info("metrics enabled", zap.String("pushgateway", url), zap.String("job", cfg.Metrics.Job))
			metrics.SetBackend(b)
			defer func() {
				if err := metrics.Flush(); err != nil {
					log.Warn("metrics flush failed", zap.Error(err))
				}
				metrics.SetBackend(nil)
			}()
		}
	}

	reg, rules, err := loadSchemas(cfg)
	if err != nil {
		return 1, err
	}

	man, err := manifest.Open(ctx, paths.ManifestPath())
	if err != nil {
		return 1, err
	}
	defer man.Close()

	store, err := storage.New(ctx, storage.Config{
		Kind:      cfg.Storage.Kind,
		DSN:       cfg.StorageDSN(paths),
		BatchSize: cfg.BatchSize,
		Logger:    log,
	})
	if err != nil {
		return 1, err
	}
	defer store.Close()

	if cfg.Debug {
		stopMonitor := monitor.Start(ctx, log, monitorInterval, paths.Root)
		defer stopMonitor()
	}

	orch, err := pipeline.New(pipeline.Options{
		Config:     cfg,
		Invocation: inv,
		Paths:      paths,
	}, pipeline.Deps{
		Registry: reg,
		Engine:   builtin.NewEngine(rules),
		Manifest: man,
		Store:    store,
		Logger:   log,
	})
	if err != nil {
		return 1, err
	}
	sum, err := orch.Run(ctx)
	if err != nil {
		return 1, err
	}

	fmt.Fprintf(out, "run %s: %d files, %d succeeded, %d quarantined, %d failed, %d skipped; %d rows accepted, %d quarantined (%s)\n",
		sum.RunID, sum.FilesSeen, sum.Succeeded, sum.Quarantined, sum.Failed, sum.Skipped,
		sum.RowsAccepted, sum.RowsQuarantined, sum.Duration().Truncate(time.Millisecond))
	return sum.ExitCode(), nil
}

// loadSchemas reads the schema registry and, when configured, the
// validation rules compiled against it.
func loadSchemas(cfg config.RunConfig) (*schema.Registry, *builtin.RuleSet, error) {
	policy := schema.MatchPolicy{MinScore: cfg.Match.MinScore, HeaderBonus: cfg.Match.HeaderBonus}
	reg, err := schema.LoadFile(cfg.SchemasPath, policy)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ValidationPath == "" {
		return reg, nil, nil
	}
	rules, err := builtin.LoadRules(cfg.ValidationPath, reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, rules, nil
}

func printIssues(w io.Writer, issues []config.Issue) {
	for _, iss := range issues {
		fmt.Fprintln(w, iss.Error())
	}
}
