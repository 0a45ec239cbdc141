// Package config defines the run configuration of the pipeline and the
// per-invocation parameters the CLI hands to it.
//
// RunConfig is loaded with viper from an optional YAML or JSON file, with
// every key overridable from the environment as SPDATA_<KEY> (dots become
// underscores, e.g. SPDATA_STORAGE_KIND). Invocation carries what changes
// from one run to the next: project, mode, conflict strategy and target
// files.
//
// Example (YAML):
//
//	project_folder: MyTaifexDataProject
//	workspace_root: /data
//	schemas_path: config/schemas.yaml
//	validation_path: config/validation_rules.yaml
//	storage:
//	  kind: duckdb
//	match:
//	  min_score: 1
//	  header_bonus: 1
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SPDATA"

// RunConfig is the decoded run configuration.
type RunConfig struct {
	ProjectFolder  string `mapstructure:"project_folder"`
	DatabaseName   string `mapstructure:"database_name"`
	LogName        string `mapstructure:"log_name"`
	WorkspaceRoot  string `mapstructure:"workspace_root"`
	RemoteBasePath string `mapstructure:"remote_base_path"`
	// MaxWorkers bounds concurrent files; 0 picks a value from the CPU count.
	MaxWorkers int `mapstructure:"max_workers"`

	Dirs Dirs `mapstructure:"dirs"`

	SchemasPath    string `mapstructure:"schemas_path"`
	ValidationPath string `mapstructure:"validation_path"`

	Storage StorageConfig `mapstructure:"storage"`
	Match   MatchConfig   `mapstructure:"match"`

	// Encodings are tried in order when sniffing delimited text.
	Encodings []string `mapstructure:"encodings"`
	BatchSize int      `mapstructure:"batch_size"`
	// BackfillForceReplace makes BACKFILL runs overwrite existing rows
	// regardless of the invocation's conflict strategy.
	BackfillForceReplace bool `mapstructure:"backfill_force_replace"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Debug   bool          `mapstructure:"debug"`
}

// Dirs names the project subdirectories, relative to the project root.
type Dirs struct {
	Input      string `mapstructure:"input"`
	Processed  string `mapstructure:"processed"`
	Archive    string `mapstructure:"archive"`
	Quarantine string `mapstructure:"quarantine"`
	Database   string `mapstructure:"database"`
	Log        string `mapstructure:"log"`
}

// StorageConfig selects the analytical store backend.
type StorageConfig struct {
	Kind string `mapstructure:"kind"`
	// DSN overrides the default location under the database dir. Required
	// for postgres.
	DSN string `mapstructure:"dsn"`
}

// MatchConfig tunes schema matching.
type MatchConfig struct {
	MinScore    int `mapstructure:"min_score"`
	HeaderBonus int `mapstructure:"header_bonus"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the Pushgateway backend. Metrics are disabled
// when PushgatewayURL is empty.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

var defaults = map[string]any{
	"project_folder":          "MyTaifexDataProject",
	"database_name":           "processed_data.duckdb",
	"log_name":                "pipeline.log",
	"workspace_root":          ".",
	"remote_base_path":        "",
	"max_workers":             0,
	"dirs.input":              "00_input",
	"dirs.processed":          "01_processed",
	"dirs.archive":            "02_archive",
	"dirs.quarantine":         "03_quarantine",
	"dirs.database":           "98_database",
	"dirs.log":                "99_logs",
	"schemas_path":            "config/schemas.yaml",
	"validation_path":         "config/validation_rules.yaml",
	"storage.kind":            "duckdb",
	"storage.dsn":             "",
	"match.min_score":         1,
	"match.header_bonus":      1,
	"encodings":               []string{"utf-8", "big5"},
	"batch_size":              storage.DefaultBatchSize,
	"backfill_force_replace":  false,
	"log.level":               "info",
	"log.format":              "console",
	"metrics.pushgateway_url": "",
	"metrics.job":             "spdata",
	"debug":                   false,
}

// newViper returns a viper instance with defaults and env overrides set.
// Every key has a default so that AutomaticEnv covers it on Unmarshal.
func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() RunConfig {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return cfg
}

// Load reads the run configuration from path, which may be empty to use
// defaults and the environment only. The file type follows the extension.
func Load(path string) (RunConfig, error) {
	v := newViper()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return RunConfig{}, pipelineerr.Wrap(pipelineerr.Configuration, "load run config", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return RunConfig{}, pipelineerr.Wrap(pipelineerr.Configuration, "decode run config", path, err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (RunConfig, error) {
	var cfg RunConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return RunConfig{}, err
	}
	encs := make([]string, 0, len(cfg.Encodings))
	for _, e := range cfg.Encodings {
		if e = strings.TrimSpace(e); e != "" {
			encs = append(encs, e)
		}
	}
	cfg.Encodings = encs
	return cfg, nil
}

// Workers returns MaxWorkers, or half the CPUs clamped to [4, 32] when it
// is zero.
func (c RunConfig) Workers() int {
	if c.MaxWorkers > 0 {
		return c.MaxWorkers
	}
	return autoWorkers(runtime.NumCPU())
}

func autoWorkers(cpus int) int {
	n := cpus / 2
	if n < 4 {
		return 4
	}
	if n > 32 {
		return 32
	}
	return n
}

// LogLevel is the effective log level; debug mode forces "debug".
func (c RunConfig) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.Log.Level
}

// Mode selects whether already-ingested files are skipped.
type Mode string

const (
	// Normal skips files whose fingerprint is recorded as succeeded.
	Normal Mode = "NORMAL"
	// Backfill reprocesses every discovered file.
	Backfill Mode = "BACKFILL"
)

// ParseMode parses a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case Normal:
		return Normal, nil
	case Backfill:
		return Backfill, nil
	}
	return "", fmt.Errorf("config: unknown mode %q (want NORMAL or BACKFILL)", s)
}

// Invocation holds the parameters of a single run.
type Invocation struct {
	// Project overrides RunConfig.ProjectFolder when set.
	Project  string
	Mode     Mode
	Conflict storage.ConflictStrategy
	// WorkspaceOverride replaces RunConfig.WorkspaceRoot when set.
	WorkspaceOverride string
	// TargetFiles restricts the run to input files with these base names.
	TargetFiles []string
}

// Validate checks the invocation. Failures are Configuration errors.
func (inv Invocation) Validate() error {
	var errs []error
	switch inv.Mode {
	case Normal, Backfill:
	default:
		errs = append(errs, fmt.Errorf("mode %q is not NORMAL or BACKFILL", inv.Mode))
	}
	switch inv.Conflict {
	case storage.Replace, storage.Ignore:
	default:
		errs = append(errs, fmt.Errorf("conflict strategy %q is not REPLACE or IGNORE", inv.Conflict))
	}
	if p := inv.Project; p != "" && (strings.ContainsAny(p, `/\`) || p == "." || p == "..") {
		errs = append(errs, fmt.Errorf("project %q must be a single directory name", p))
	}
	for i, t := range inv.TargetFiles {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Errorf("target file %d is empty", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return pipelineerr.Wrap(pipelineerr.Configuration, "invocation", "", err)
	}
	return nil
}

// Strategy returns the conflict strategy for loading under cfg: BACKFILL
// runs use REPLACE when backfill_force_replace is set.
func (inv Invocation) Strategy(cfg RunConfig) storage.ConflictStrategy {
	if inv.Mode == Backfill && cfg.BackfillForceReplace {
		return storage.Replace
	}
	return inv.Conflict
}

// Paths are the absolute directories of one project.
type Paths struct {
	Root       string
	Input      string
	Processed  string
	Archive    string
	Quarantine string
	Database   string
	Log        string
}

// Resolve computes the project directories for inv.
func (c RunConfig) Resolve(inv Invocation) (Paths, error) {
	ws := c.WorkspaceRoot
	if inv.WorkspaceOverride != "" {
		ws = inv.WorkspaceOverride
	}
	if ws == "" {
		ws = "."
	}
	project := c.ProjectFolder
	if inv.Project != "" {
		project = inv.Project
	}
	if strings.TrimSpace(project) == "" {
		return Paths{}, pipelineerr.New(pipelineerr.Configuration, "resolve paths", "project folder must not be empty")
	}
	root, err := filepath.Abs(filepath.Join(ws, project))
	if err != nil {
		return Paths{}, pipelineerr.Wrap(pipelineerr.Configuration, "resolve paths", ws, err)
	}
	return Paths{
		Root:       root,
		Input:      filepath.Join(root, c.Dirs.Input),
		Processed:  filepath.Join(root, c.Dirs.Processed),
		Archive:    filepath.Join(root, c.Dirs.Archive),
		Quarantine: filepath.Join(root, c.Dirs.Quarantine),
		Database:   filepath.Join(root, c.Dirs.Database),
		Log:        filepath.Join(root, c.Dirs.Log),
	}, nil
}

// Ensure creates every project directory.
func (p Paths) Ensure() error {
	for _, d := range []string{p.Input, p.Processed, p.Archive, p.Quarantine, p.Database, p.Log} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return pipelineerr.Wrap(pipelineerr.Configuration, "create directory", d, err)
		}
	}
	return nil
}

// ManifestPath is where the manifest database lives.
func (p Paths) ManifestPath() string { return filepath.Join(p.Database, "manifest.db") }

// LogFile is the path of the run log.
func (c RunConfig) LogFile(p Paths) string { return filepath.Join(p.Log, c.LogName) }

// StorageDSN returns storage.dsn, or the database file under the database
// dir for file-backed kinds.
func (c RunConfig) StorageDSN(p Paths) string {
	if c.Storage.DSN != "" || c.Storage.Kind == "postgres" {
		return c.Storage.DSN
	}
	return filepath.Join(p.Database, c.DatabaseName)
}
