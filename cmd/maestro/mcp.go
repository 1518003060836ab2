package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/maestro/pkg/mcp"
)

func newMCPCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve maestro tools over MCP stdio",
		Long: `Expose maestro.run, maestro.status, maestro.cancel, maestro.resume, and
maestro.query to an MCP client over stdin/stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.resolveConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()
			if err := a.loadCatalog(ctx); err != nil {
				a.logger.Warn("pipeline catalog has errors", "error", err)
			}

			srv := mcp.NewMaestroServer(mcp.ServerDeps{
				Engine:  a.engine,
				Store:   a.store,
				Hub:     a.hub,
				Version: version,
				Logger:  a.logger,
			})
			return srv.Serve(ctx)
		},
	}
}
