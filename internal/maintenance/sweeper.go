// Package maintenance runs background housekeeping for the execution store.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 10 * time.Minute
)

// Interrupter fails executions abandoned by a crashed host.
// Satisfied by engine.Engine.
type Interrupter interface {
	InterruptStale(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// Sweeper periodically interrupts stalled executions on a cron schedule.
type Sweeper struct {
	target     Interrupter
	schedule   cron.Schedule
	spec       string
	staleAfter time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	stop    context.CancelFunc
	initial sync.WaitGroup
}

// NewSweeper validates the cron spec and creates a Sweeper. An empty spec
// uses DefaultSchedule; a non-positive staleAfter uses DefaultStaleAfter.
func NewSweeper(target Interrupter, spec string, staleAfter time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		target:     target,
		schedule:   schedule,
		spec:       spec,
		staleAfter: staleAfter,
		logger:     logger,
	}, nil
}

// Start schedules the sweep. It runs one sweep immediately to recover
// executions left behind by a previous process.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	s.ctx, s.stop = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.sweep(s.ctx) }))
	s.cron.Start()

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.sweep(s.ctx)
	}()
	s.logger.Info("sweeper started",
		slog.String("schedule", s.spec),
		slog.Duration("stale_after", s.staleAfter))
	return nil
}

// Run starts the sweeper and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	s.stop()
	<-s.cron.Stop().Done()
	s.initial.Wait()
	s.cron = nil
	s.logger.Info("sweeper stopped")
}

// SweepOnce interrupts every stalled execution and returns their ids.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	return s.target.InterruptStale(ctx, s.staleAfter)
}

func (s *Sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ids, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep stalled executions", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		s.logger.Warn("interrupted stalled execution", slog.String("execution_id", id))
	}
}
