package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hsp1234-web/SP-DATA/internal/config"
	"github.com/hsp1234-web/SP-DATA/internal/manifest"
)

type manifestOptions struct {
	configPath string
	project    string
	workspace  string
	status     string
	asJSON     bool
}

func newManifestCmd() *cobra.Command {
	var o manifestOptions
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "List the files recorded in a project's manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listManifest(cmd.Context(), o, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "run config file (YAML or JSON)")
	f.StringVarP(&o.project, "project", "p", "", "project folder name (overrides project_folder)")
	f.StringVarP(&o.workspace, "workspace", "w", "", "workspace root (overrides workspace_root)")
	f.StringVar(&o.status, "status", "", "only entries with this status: processing, succeeded or failed")
	f.BoolVar(&o.asJSON, "json", false, "print entries as JSON")
	return cmd
}

func listManifest(ctx context.Context, o manifestOptions, out io.Writer) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	paths, err := cfg.Resolve(config.Invocation{Project: o.project, WorkspaceOverride: o.workspace})
	if err != nil {
		return err
	}
	if _, err := os.Stat(paths.ManifestPath()); err != nil {
		return fmt.Errorf("no manifest at %s: %w", paths.ManifestPath(), err)
	}

	m, err := manifest.Open(ctx, paths.ManifestPath())
	if err != nil {
		return err
	}
	defer m.Close()

	entries, err := m.List(ctx)
	if err != nil {
		return err
	}
	if o.status != "" {
		want := manifest.Status(strings.ToLower(strings.TrimSpace(o.status)))
		kept := entries[:0]
		for _, e := range entries {
			if e.Status == want {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	if o.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATUS\tMODE\tACCEPTED\tQUARANTINED\tFINISHED\tFINGERPRINT")
	for _, e := range entries {
		finished := "-"
		if !e.FinishedAt.IsZero() {
			finished = e.FinishedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.FileName, e.Status, e.Mode, e.Accepted, e.Quarantined, finished, e.Fingerprint)
	}
	return tw.Flush()
}
