// Package runner executes a linear chain of stages with per-stage retries,
// timeouts and best-effort semantics, and reports what happened to each stage.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/failure"
	"github.com/JakeFAU/apod-pipeline/internal/logging"
)

// State is a stage's lifecycle state.
type State string

// Stage states.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// StageFunc does one stage's work.
type StageFunc func(ctx context.Context, rc *RunContext) error

// Stage is one named step. A failing best-effort stage does not fail the run.
type Stage struct {
	Name       string
	BestEffort bool
	Run        StageFunc
}

// Observer receives stage and run outcomes, typically for metrics.
type Observer interface {
	StageFinished(stage string, state State, attempts int, elapsed time.Duration)
	RunFinished(report Report)
}

// Config is the retry policy applied to every stage.
type Config struct {
	MaxRetries   int
	RetryDelay   time.Duration
	StageTimeout time.Duration
}

// Controller runs stages in order.
type Controller struct {
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
	clock    apod.Clock
	observer Observer
	logger   *zap.Logger
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSleep replaces the delay between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithClock sets the clock used for report timestamps.
func WithClock(clock apod.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New builds a Controller.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Controller{cfg: cfg, sleep: sleepContext}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Execute runs stages strictly in order. A required stage that exhausts its
// attempts stops the run; the stages after it are reported as pending. The
// returned error is that stage's final error.
func (c *Controller) Execute(ctx context.Context, rc *RunContext, stages []Stage) (Report, error) {
	report := Report{RunID: rc.RunID(), Started: c.now()}
	if d := rc.Date(); d != nil {
		report.Date = d.Format(apod.DateLayout)
	}
	report.Stages = make([]StageReport, len(stages))
	for i, s := range stages {
		report.Stages[i] = StageReport{Name: s.Name, State: StatePending, BestEffort: s.BestEffort}
	}

	var runErr error
	for i, s := range stages {
		sr := c.runStage(ctx, rc, s)
		report.Stages[i] = sr
		if sr.State == StateFailed && !s.BestEffort {
			runErr = fmt.Errorf("stage %s: %w", s.Name, sr.err)
			break
		}
	}

	report.Finished = c.now()
	if c.observer != nil {
		c.observer.RunFinished(report)
	}
	c.logger.Info("run finished",
		zap.String("run_id", report.RunID),
		zap.String("status", report.Status()),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)),
	)
	return report, runErr
}

func (c *Controller) runStage(ctx context.Context, rc *RunContext, s Stage) StageReport {
	logger := logging.ForStage(c.logger, rc.RunID(), s.Name)
	sr := StageReport{Name: s.Name, BestEffort: s.BestEffort, State: StateRunning}
	start := c.now()

	for {
		sr.Attempts++
		logger.Info("stage attempt started", zap.Int("attempt", sr.Attempts))
		err := c.attempt(ctx, rc, s)
		if err == nil {
			sr.State = StateSucceeded
			break
		}
		sr.err = err
		sr.Error = err.Error()

		if ctx.Err() != nil || !failure.Retryable(err) || sr.Attempts > c.cfg.MaxRetries {
			sr.State = StateFailed
			if s.BestEffort {
				logger.Warn("best-effort stage failed; continuing", zap.Int("attempt", sr.Attempts), zap.Error(err))
			} else {
				logger.Error("stage failed", zap.Int("attempt", sr.Attempts), zap.String("kind", string(failure.KindOf(err))), zap.Error(err))
			}
			break
		}

		sr.State = StateRetrying
		logger.Warn("stage attempt failed; retrying",
			zap.Int("attempt", sr.Attempts),
			zap.Duration("delay", c.cfg.RetryDelay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
			sr.State = StateFailed
			sr.err = err
			sr.Error = err.Error()
			break
		}
	}

	sr.Duration = c.now().Sub(start)
	if sr.State == StateSucceeded {
		sr.err = nil
		sr.Error = ""
		logger.Info("stage succeeded", zap.Int("attempts", sr.Attempts), zap.Duration("elapsed", sr.Duration))
	}
	if c.observer != nil {
		c.observer.StageFinished(s.Name, sr.State, sr.Attempts, sr.Duration)
	}
	return sr
}

// attempt runs one try of s under the stage timeout. Hitting the timeout is
// a transport failure so it is retried like any other transient error.
func (c *Controller) attempt(ctx context.Context, rc *RunContext, s Stage) (err error) {
	if s.Run == nil {
		return failure.New(failure.KindInternal, s.Name, "stage has no function", nil)
	}
	stageCtx := ctx
	if c.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, c.cfg.StageTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.KindInternal, s.Name, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	err = s.Run(stageCtx, rc)
	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !failure.Retryable(err) {
		return failure.Transport(s.Name+" timeout", err)
	}
	return err
}

func (c *Controller) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
