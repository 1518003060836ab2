package main

import (
	"github.com/spf13/cobra"
)

func newResumeCmd(root *rootOptions) *cobra.Command {
	var (
		task    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a failed or rate-limited execution in place",
		Long: `Re-run an execution from the first step without a result, or from --task
(a step index or a role name). Results of earlier steps are kept.

Examples:
  maestro resume 6f1c...
  maestro resume 6f1c... --task Copywriter`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.resolveConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			exec, err := a.engine.Resume(ctx, args[0], task)
			if err != nil {
				return err
			}
			done, err := a.engine.Wait(ctx, exec.ID)
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), done, jsonOut)
		},
	}
	cmd.Flags().StringVarP(&task, "task", "t", "", "step index or role to resume from")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the execution as JSON")
	return cmd
}
