package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// FileStatus is the final state of one top-level input file.
type FileStatus string

const (
	// StatusSucceeded means every logical file was matched and committed;
	// individual rows may still have been quarantined.
	StatusSucceeded FileStatus = "succeeded"
	// StatusQuarantined means no schema matched and the file was set aside
	// without storing any row.
	StatusQuarantined FileStatus = "quarantined"
	// StatusFailed means the file could not be read or committed.
	StatusFailed FileStatus = "failed"
	// StatusSkipped means the file was not processed in this run.
	StatusSkipped FileStatus = "skipped"
)

// FileResult reports what happened to one input file.
type FileResult struct {
	Path            string         `json:"path"`
	Fingerprint     string         `json:"fingerprint,omitempty"`
	Status          FileStatus     `json:"status"`
	Schemas         []string       `json:"schemas,omitempty"`
	RowsAccepted    int64          `json:"rows_accepted"`
	RowsQuarantined int64          `json:"rows_quarantined"`
	RowsWritten     int64          `json:"rows_written"`
	Duplicates      int64          `json:"duplicates"`
	Reasons         map[string]int `json:"quarantine_reasons,omitempty"`
	Error           string         `json:"error,omitempty"`
	Retryable       bool           `json:"retryable,omitempty"`
	MovedTo         string         `json:"moved_to,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
}

// Summary aggregates a run.
type Summary struct {
	RunID           string       `json:"run_id"`
	Mode            string       `json:"mode"`
	Conflict        string       `json:"conflict"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	FilesSeen       int          `json:"files_seen"`
	Succeeded       int          `json:"succeeded"`
	Quarantined     int          `json:"quarantined"`
	Failed          int          `json:"failed"`
	Skipped         int          `json:"skipped"`
	RowsAccepted    int64        `json:"rows_accepted"`
	RowsQuarantined int64        `json:"rows_quarantined"`
	Files           []FileResult `json:"files"`
}

// add folds r into the totals.
func (s *Summary) add(r FileResult) {
	s.FilesSeen++
	switch r.Status {
	case StatusSucceeded:
		s.Succeeded++
	case StatusQuarantined:
		s.Quarantined++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}
	s.RowsAccepted += r.RowsAccepted
	s.RowsQuarantined += r.RowsQuarantined
	s.Files = append(s.Files, r)
}

// ExitCode is 1 when any file failed to be read or committed, else 0.
// Quarantined rows and unrecognized files do not fail a run.
func (s Summary) ExitCode() int {
	if s.Failed > 0 {
		return 1
	}
	return 0
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

// WriteReport writes s as indented JSON into dir and returns the file path.
func WriteReport(dir string, s Summary) (string, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pipeline: encode report: %w", err)
	}
	name := fmt.Sprintf("run_%s_%s.json", s.StartedAt.UTC().Format("20060102T150405Z"), s.RunID)
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pipeline: report dir: %w", err)
	}
	if err := os.WriteFile(p, append(b, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("pipeline: write report: %w", err)
	}
	return p, nil
}

// reasonAgg counts quarantine reasons for one file.
type reasonAgg struct {
	count   int
	buckets map[string]int
}

func newReasonAgg() *reasonAgg {
	return &reasonAgg{buckets: make(map[string]int)}
}

func (a *reasonAgg) add(msg string) {
	a.buckets[msg]++
	a.count++
}

// top returns up to n reasons, most frequent first.
func (a *reasonAgg) top(n int) []string {
	out := make([]string, 0, len(a.buckets))
	for k := range a.buckets {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if a.buckets[out[i]] != a.buckets[out[j]] {
			return a.buckets[out[i]] > a.buckets[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
