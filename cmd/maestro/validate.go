package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/maestro/internal/catalog"
	"github.com/rendis/maestro/internal/validation"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate pipeline definition files without storing them",
		Long: `Parse and validate pipeline files (YAML or JSON, multi-document YAML allowed).
Agent references are checked against the configured agents unless a fallback
invoker accepts every ref.

Examples:
  maestro validate pipelines/content.yaml
  maestro validate pipelines/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.resolveConfig(cmd)
			if err != nil {
				return err
			}
			agents, err := newAgentRegistry(cfg)
			if err != nil {
				return err
			}
			v, err := validation.NewPipelineValidator(agents)
			if err != nil {
				return err
			}
			return validateFiles(cmd.OutOrStdout(), v, args)
		},
	}
}

func validateFiles(w io.Writer, v *validation.PipelineValidator, paths []string) error {
	var errs []error
	for _, path := range paths {
		defs, err := catalog.ParseFile(path)
		if err != nil {
			fmt.Fprintf(w, "FAIL %s: %v\n", path, err)
			errs = append(errs, err)
			continue
		}
		for _, def := range defs {
			report := v.Check(def)
			if err := report.Err(); err != nil {
				fmt.Fprintf(w, "FAIL %s (%s)\n", path, def.ID)
				for _, p := range report.Problems {
					fmt.Fprintf(w, "     error: %s\n", p)
				}
				errs = append(errs, err)
			} else {
				fmt.Fprintf(w, "ok   %s (%s, %s, %d steps)\n", path, def.ID, def.Strategy, len(def.Steps))
			}
			for _, n := range report.Notes {
				fmt.Fprintf(w, "     note: %s\n", n)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d invalid: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
