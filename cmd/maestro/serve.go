package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/maestro/internal/api"
	"github.com/rendis/maestro/internal/maintenance"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution REST API",
		Long: `Start the HTTP API, load the pipeline catalog, and sweep executions left
running by a crashed host.

Examples:
  maestro serve
  maestro serve --listen-addr :8080 --log-format text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolveConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("listen-addr", "", "TCP listen address")
	return cmd
}

func serve(ctx context.Context, cfg Config) error {
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	if err := a.loadCatalog(ctx); err != nil {
		a.logger.Error("pipeline catalog has errors", slog.Any("error", err))
	}

	sweeper, err := maintenance.NewSweeper(a.engine, cfg.SweepSchedule, time.Duration(cfg.StaleAfter), a.logger)
	if err != nil {
		_ = a.close()
		return err
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Engine:    a.engine,
			Store:     a.store,
			Hub:       a.hub,
			Validator: a.validator,
			Gatherer:  a.registry,
			Logger:    a.logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("maestro listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	return errors.Join(err, a.close())
}
