package file

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadList reads a target list: one file name per line, blank lines and
// lines starting with '#' ignored. Order is preserved.
func ReadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// SplitList splits a comma-separated target list, trimming entries and
// dropping empty ones.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FilterTargets keeps the paths whose base name is in targets. An empty
// target list keeps everything.
func FilterTargets(paths, targets []string) []string {
	if len(targets) == 0 {
		return paths
	}
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[filepath.Base(strings.TrimSpace(t))] = true
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if want[filepath.Base(p)] {
			out = append(out, p)
		}
	}
	return out
}
