package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/zap/zapcore"

	csvparser "github.com/hsp1234-web/SP-DATA/internal/parser/csv"
	"github.com/hsp1234-web/SP-DATA/internal/pipelineerr"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding worth surfacing that does not block
	// execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding for a RunConfig.
//
// Path is the dotted config key (e.g. "storage.kind", "encodings[1]").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// knownStorageKinds lists the backends shipped with the binary.
var knownStorageKinds = map[string]struct{}{
	"duckdb":   {},
	"sqlite":   {},
	"postgres": {},
}

// Validate lints c and returns every finding. It does not touch the
// filesystem or the network.
func Validate(c RunConfig) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.ProjectFolder) == "" {
		add(SeverityError, "project_folder", "project_folder must not be empty")
	}
	if strings.TrimSpace(c.LogName) == "" {
		add(SeverityError, "log_name", "log_name must not be empty")
	}
	if c.MaxWorkers < 0 {
		add(SeverityError, "max_workers", "max_workers must be >= 0, got %d", c.MaxWorkers)
	}
	if c.BatchSize < 0 {
		add(SeverityError, "batch_size", "batch_size must be >= 0, got %d", c.BatchSize)
	}

	issues = append(issues, validateDirs(c.Dirs)...)

	if strings.TrimSpace(c.SchemasPath) == "" {
		add(SeverityError, "schemas_path", "schemas_path must not be empty")
	}
	if strings.TrimSpace(c.ValidationPath) == "" {
		add(SeverityWarning, "validation_path", "no validation rules configured; only required columns and declared types are checked")
	}

	issues = append(issues, validateStorage(c.Storage, c.DatabaseName)...)

	if c.Match.MinScore < 1 {
		add(SeverityError, "match.min_score", "min_score must be >= 1, got %d", c.Match.MinScore)
	}
	if c.Match.HeaderBonus < 0 {
		add(SeverityError, "match.header_bonus", "header_bonus must be >= 0, got %d", c.Match.HeaderBonus)
	}

	if len(c.Encodings) == 0 {
		add(SeverityWarning, "encodings", "no encodings configured; falling back to %s", strings.Join(csvparser.DefaultEncodings, ", "))
	}
	for i, e := range c.Encodings {
		if _, err := csvparser.LookupEncoding(e); err != nil {
			add(SeverityError, fmt.Sprintf("encodings[%d]", i), "%v", err)
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add(SeverityError, "log.level", "unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		add(SeverityError, "log.format", "log.format must be console or json, got %q", c.Log.Format)
	}

	if u := strings.TrimSpace(c.Metrics.PushgatewayURL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			add(SeverityError, "metrics.pushgateway_url", "pushgateway_url %q is not an absolute URL", u)
		}
		if strings.TrimSpace(c.Metrics.Job) == "" {
			add(SeverityError, "metrics.job", "metrics.job must not be empty when metrics are enabled")
		}
	}
	return issues
}

func validateDirs(d Dirs) []Issue {
	var issues []Issue
	named := []struct {
		key, val string
	}{
		{"dirs.input", d.Input},
		{"dirs.processed", d.Processed},
		{"dirs.archive", d.Archive},
		{"dirs.quarantine", d.Quarantine},
		{"dirs.database", d.Database},
		{"dirs.log", d.Log},
	}
	seen := make(map[string]string, len(named))
	for _, n := range named {
		v := strings.TrimSpace(n.val)
		switch {
		case v == "":
			issues = append(issues, Issue{Severity: SeverityError, Path: n.key, Message: "directory name must not be empty"})
			continue
		case filepath.IsAbs(v) || strings.HasPrefix(filepath.Clean(v), ".."):
			issues = append(issues, Issue{Severity: SeverityError, Path: n.key, Message: fmt.Sprintf("%q must be relative to the project folder", v)})
			continue
		}
		clean := filepath.Clean(v)
		if other, dup := seen[clean]; dup {
			issues = append(issues, Issue{Severity: SeverityError, Path: n.key, Message: fmt.Sprintf("%q is also used by %s", v, other)})
			continue
		}
		seen[clean] = n.key
	}
	return issues
}

func validateStorage(s StorageConfig, databaseName string) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.Kind) == "" {
		return append(issues, Issue{Severity: SeverityError, Path: "storage.kind", Message: "storage.kind must not be empty"})
	}
	if _, ok := knownStorageKinds[s.Kind]; !ok {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  fmt.Sprintf("unknown storage kind %q; want duckdb, sqlite or postgres", s.Kind),
		})
	}
	switch s.Kind {
	case "postgres":
		if strings.TrimSpace(s.DSN) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: "storage.dsn", Message: "postgres storage requires a dsn"})
		}
	default:
		if s.DSN == "" && strings.TrimSpace(databaseName) == "" {
			issues = append(issues, Issue{Severity: SeverityError, Path: "database_name", Message: "database_name must not be empty when storage.dsn is unset"})
		}
	}
	return issues
}

// Err folds the error-severity issues into one Configuration error, or
// returns nil when there are none. Warnings are ignored.
func Err(issues []Issue) error {
	var errs []error
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			errs = append(errs, iss)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return pipelineerr.Wrap(pipelineerr.Configuration, "validate run config", "", errors.Join(errs...))
}
