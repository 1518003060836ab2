package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/maestro/internal/catalog"
	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/invoker"
	"github.com/rendis/maestro/internal/logging"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/internal/validation"
)

// app is the wired engine and its collaborators.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.SQLStore
	agents    *invoker.Registry
	validator *validation.PipelineValidator
	hub       *streaming.MemoryHub
	registry  *prometheus.Registry
	engine    engine.Engine
	catalog   *catalog.Loader
}

// newApp opens the store and builds the engine. logOut receives log records.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	agents, err := newAgentRegistry(cfg)
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewPipelineValidator(agents)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	st, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := streaming.NewMemoryHub()
	ecfg := cfg.engineConfig()
	ecfg.Metrics = engine.NewMetrics(reg)
	ecfg.Validator = validator
	ecfg.Logger = logger

	eng, err := engine.NewEngine(st, agents, streaming.NewPublisher(hub, st, logger), ecfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		agents:    agents,
		validator: validator,
		hub:       hub,
		registry:  reg,
		engine:    eng,
		catalog:   catalog.NewLoader(st, validator, logger),
	}, nil
}

// newAgentRegistry binds configured agents to HTTP invokers. Unbound refs go
// to invoker_url when set, otherwise to the built-in echo invoker.
func newAgentRegistry(cfg Config) (*invoker.Registry, error) {
	var fallback invoker.Invoker = invoker.Echo{}
	if cfg.InvokerURL != "" {
		h, err := invoker.NewHTTP(invoker.HTTPConfig{
			URL:     cfg.InvokerURL,
			Timeout: time.Duration(cfg.InvokerTimeout),
			Stream:  true,
		})
		if err != nil {
			return nil, err
		}
		fallback = h
	}

	agents := invoker.NewRegistry(fallback)
	for ref, ac := range cfg.Agents {
		timeout := time.Duration(ac.Timeout)
		if timeout == 0 {
			timeout = time.Duration(cfg.InvokerTimeout)
		}
		h, err := invoker.NewHTTP(invoker.HTTPConfig{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: timeout,
			Stream:  ac.Stream,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ref, err)
		}
		if err := agents.Register(ref, h); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

// loadCatalog upserts every pipeline file under pipelines_dir. A missing
// directory is not an error.
func (a *app) loadCatalog(ctx context.Context) error {
	if _, err := os.Stat(a.cfg.PipelinesDir); errors.Is(err, os.ErrNotExist) {
		a.logger.Debug("pipelines dir not found", slog.String("dir", a.cfg.PipelinesDir))
		return nil
	}
	ids, err := a.catalog.LoadDir(ctx, a.cfg.PipelinesDir)
	if len(ids) > 0 {
		a.logger.Info("pipeline catalog loaded",
			slog.String("dir", a.cfg.PipelinesDir), slog.Int("pipelines", len(ids)))
	}
	return err
}

// close drains the engine, interrupting runs still active after the
// shutdown timeout, then closes the store.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeout))
	defer cancel()
	shutdownErr := a.engine.Shutdown(ctx)
	if errors.Is(shutdownErr, context.DeadlineExceeded) {
		a.logger.Warn("shutdown timeout reached, active executions interrupted")
		shutdownErr = nil
	}
	return errors.Join(shutdownErr, a.store.Close())
}
