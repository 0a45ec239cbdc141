package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hsp1234-web/SP-DATA/internal/config"
	"github.com/hsp1234-web/SP-DATA/internal/storage"
)

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the run config, schemas and validation rules, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !validateConfig(configPath, cmd.OutOrStdout()) {
				return exitCode(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "run config file (YAML or JSON)")
	return cmd
}

// validateConfig reports every finding to w and whether the configuration
// can run.
func validateConfig(path string, w io.Writer) bool {
	name := path
	if name == "" {
		name = "defaults"
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		fmt.Fprintf(w, "configuration is invalid: %s\n", name)
		return false
	}

	fmt.Fprintf(w, "storage backends: %s\n", strings.Join(storage.ListKinds(), ", "))
	issues := config.Validate(cfg)
	printIssues(w, issues)
	ok := config.Err(issues) == nil
	if ok {
		reg, rules, err := loadSchemas(cfg)
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			ok = false
		} else {
			ids := make([]string, 0, len(reg.Schemas()))
			for _, d := range reg.Schemas() {
				ids = append(ids, d.ID)
			}
			fmt.Fprintf(w, "schemas: %s\n", strings.Join(ids, ", "))
			if rules == nil {
				fmt.Fprintln(w, "validation rules: none")
			}
		}
	}

	if !ok {
		fmt.Fprintf(w, "configuration is invalid: %s\n", name)
		return false
	}
	fmt.Fprintf(w, "configuration is valid: %s\n", name)
	return true
}
