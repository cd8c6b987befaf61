// Package scheduler runs the pipeline on a fixed interval and on demand,
// never more than one run at a time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/runner"
)

// ErrBusy is returned when a run is already in progress or queued.
var ErrBusy = errors.New("a run is already in progress")

// Pipeline is the unit of work the scheduler repeats.
type Pipeline interface {
	Run(ctx context.Context, date *time.Time) (runner.Report, error)
}

// Config controls the loop.
type Config struct {
	Interval  time.Duration
	RunOnBoot bool
}

// Scheduler owns the run loop and remembers the last report.
type Scheduler struct {
	pipeline Pipeline
	cfg      Config
	logger   *zap.Logger
	trigger  chan struct{}

	mu      sync.RWMutex
	running bool
	last    *runner.Report
	started bool
}

// New builds a Scheduler. A non-positive interval defaults to 24h.
func New(p Pipeline, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		pipeline: p,
		cfg:      cfg,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start blocks running the loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("run_on_boot", s.cfg.RunOnBoot),
	)
	if s.cfg.RunOnBoot {
		s.runLogged(ctx)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.runLogged(ctx)
		case <-s.trigger:
			s.runLogged(ctx)
		}
	}
}

// Trigger queues an immediate run for the loop. It returns ErrBusy while a run
// is in progress or another trigger is already queued.
func (s *Scheduler) Trigger() error {
	if s.Running() {
		return ErrBusy
	}
	select {
	case s.trigger <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

// RunOnce executes one run in the caller's goroutine.
func (s *Scheduler) RunOnce(ctx context.Context) (runner.Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return runner.Report{}, ErrBusy
	}
	s.running = true
	s.mu.Unlock()

	report, err := s.pipeline.Run(ctx, nil)

	s.mu.Lock()
	s.running = false
	if report.RunID != "" {
		r := report
		s.last = &r
	}
	s.mu.Unlock()
	return report, err
}

// Latest returns the most recent report.
func (s *Scheduler) Latest() (runner.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return runner.Report{}, false
	}
	return *s.last, true
}

// Running reports whether a run is in progress.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Ready reports whether the loop is accepting work.
func (s *Scheduler) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Scheduler) runLogged(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrBusy):
		s.logger.Warn("skipping run: previous run still in progress")
	case err != nil:
		s.logger.Error("scheduled run failed", zap.String("run_id", report.RunID), zap.Error(err))
	default:
		s.logger.Info("scheduled run finished", zap.String("run_id", report.RunID), zap.String("status", report.Status()))
	}
}
