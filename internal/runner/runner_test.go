package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/apod-pipeline/internal/failure"
	"github.com/JakeFAU/apod-pipeline/internal/runner"
)

type recordingObserver struct {
	mu     sync.Mutex
	stages []string
	runs   []runner.Report
}

func (o *recordingObserver) StageFinished(stage string, state runner.State, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage+"="+string(state))
}

func (o *recordingObserver) RunFinished(r runner.Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, r)
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func ok(calls *[]string, name string) runner.StageFunc {
	return func(context.Context, *runner.RunContext) error {
		*calls = append(*calls, name)
		return nil
	}
}

func failing(err error) runner.StageFunc {
	return func(context.Context, *runner.RunContext) error { return err }
}

func newController(sleeper *sleepRecorder, obs runner.Observer, retries int) *runner.Controller {
	return runner.New(
		runner.Config{MaxRetries: retries, RetryDelay: 5 * time.Minute},
		runner.WithSleep(sleeper.sleep),
		runner.WithObserver(obs),
	)
}

func TestExecuteRunsStagesInOrder(t *testing.T) {
	t.Parallel()

	var calls []string
	obs := &recordingObserver{}
	ctrl := newController(&sleepRecorder{}, obs, 1)
	stages := []runner.Stage{
		{Name: "a", Run: ok(&calls, "a")},
		{Name: "b", Run: ok(&calls, "b")},
		{Name: "c", Run: ok(&calls, "c")},
	}

	report, err := ctrl.Execute(context.Background(), runner.NewRunContext("run-1", nil), stages)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, calls)
	assert.True(t, report.Succeeded())
	assert.Equal(t, "succeeded", report.Status())
	assert.Equal(t, "run-1", report.RunID)
	for _, s := range report.Stages {
		assert.Equal(t, runner.StateSucceeded, s.State)
		assert.Equal(t, 1, s.Attempts)
	}
	assert.Equal(t, []string{"a=succeeded", "b=succeeded", "c=succeeded"}, obs.stages)
	require.Len(t, obs.runs, 1)
}

func TestExecuteRetriesTransportOnce(t *testing.T) {
	t.Parallel()

	attempts := 0
	sleeper := &sleepRecorder{}
	ctrl := newController(sleeper, nil, 1)
	stages := []runner.Stage{{Name: "extract", Run: func(context.Context, *runner.RunContext) error {
		attempts++
		if attempts == 1 {
			return failure.Transport("fetch", errors.New("connection reset"))
		}
		return nil
	}}}

	report, err := ctrl.Execute(context.Background(), runner.NewRunContext("r", nil), stages)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{5 * time.Minute}, sleeper.delays)
	assert.Equal(t, 2, report.Stages[0].Attempts)
	assert.Empty(t, report.Stages[0].Error)
}

func TestExecuteExhaustsRetriesAndSkipsRest(t *testing.T) {
	t.Parallel()

	var calls []string
	sleeper := &sleepRecorder{}
	ctrl := newController(sleeper, nil, 1)
	transportErr := failure.Transport("fetch", errors.New("503"))
	stages := []runner.Stage{
		{Name: "extract", Run: failing(transportErr)},
		{Name: "transform", Run: ok(&calls, "transform")},
		{Name: "load", Run: ok(&calls, "load")},
	}

	report, err := ctrl.Execute(context.Background(), runner.NewRunContext("r", nil), stages)
	require.Error(t, err)
	require.ErrorIs(t, err, transportErr)
	assert.Contains(t, err.Error(), "stage extract")
	assert.Empty(t, calls)
	assert.False(t, report.Succeeded())
	assert.Equal(t, runner.StateFailed, report.Stages[0].State)
	assert.Equal(t, 2, report.Stages[0].Attempts)
	assert.Equal(t, runner.StatePending, report.Stages[1].State)
	assert.Equal(t, runner.StatePending, report.Stages[2].State)
	assert.Len(t, sleeper.delays, 1)
}

func TestExecuteNeverRetriesValidation(t *testing.T) {
	t.Parallel()

	attempts := 0
	sleeper := &sleepRecorder{}
	ctrl := newController(sleeper, nil, 3)
	stages := []runner.Stage{{Name: "transform", Run: func(context.Context, *runner.RunContext) error {
		attempts++
		return failure.Validation("normalize", "", failure.ErrNoData)
	}}}

	report, err := ctrl.Execute(context.Background(), runner.NewRunContext("r", nil), stages)
	require.ErrorIs(t, err, failure.ErrNoData)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeper.delays)
	assert.Equal(t, runner.StateFailed, report.Stages[0].State)
}

func TestExecuteBestEffortFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	var calls []string
	ctrl := newController(&sleepRecorder{}, nil, 1)
	stages := []runner.Stage{
		{Name: "load", Run: ok(&calls, "load")},
		{Name: "dvc", BestEffort: true, Run: failing(failure.Tool("dvc add", "boom", nil))},
		{Name: "git", BestEffort: true, Run: ok(&calls, "git")},
	}

	report, err := ctrl.Execute(context.Background(), runner.NewRunContext("r", nil), stages)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Equal(t, []string{"load", "git"}, calls)
	dvc, found := report.Stage("dvc")
	require.True(t, found)
	assert.Equal(t, runner.StateFailed, dvc.State)
	assert.Contains(t, dvc.Error, "boom")
	require.Error(t, dvc.Err())
}

func TestExecuteZeroRetries(t *testing.T) {
	t.Parallel()

	attempts := 0
	ctrl := newController(&sleepRecorder{}, nil, 0)
	stages := []runner.Stage{{Name: "x", Run: func(context.Context, *runner.RunContext) error {
		attempts++
		return failure.Transport("x", errors.New("down"))
	}}}
	_, err := ctrl.Execute(context.Background(), runner.NewRunContext("r", nil), stages)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecuteStageTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	attempts := 0
	ctrl := runner.New(runner.Config{MaxRetries: 1, StageTimeout: 20 * time.Millisecond})
	stages := []runner.Stage{{Name: "slow", Run: func(ctx context.Context, _ *runner.RunContext) error {
		attempts++
		if attempts == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}}

	report, err := ctrl.Execute(context.Background(), runner.NewRunContext("r", nil), stages)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, report.Stages[0].Attempts)
}

func TestExecuteCanceledContextStopsRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	ctrl := newController(&sleepRecorder{}, nil, 5)
	stages := []runner.Stage{{Name: "x", Run: func(context.Context, *runner.RunContext) error {
		attempts++
		cancel()
		return failure.Transport("x", context.Canceled)
	}}}

	_, err := ctrl.Execute(ctx, runner.NewRunContext("r", nil), stages)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecuteSleepInterruptedFailsStage(t *testing.T) {
	t.Parallel()

	ctrl := runner.New(
		runner.Config{MaxRetries: 2, RetryDelay: time.Hour},
		runner.WithSleep(func(context.Context, time.Duration) error { return context.Canceled }),
	)
	stages := []runner.Stage{{Name: "x", Run: failing(failure.Transport("x", errors.New("down")))}}
	report, err := ctrl.Execute(context.Background(), runner.NewRunContext("r", nil), stages)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Stages[0].Attempts)
}

func TestExecuteRecoversPanic(t *testing.T) {
	t.Parallel()

	ctrl := newController(&sleepRecorder{}, nil, 1)
	stages := []runner.Stage{{Name: "x", Run: func(context.Context, *runner.RunContext) error { panic("kaboom") }}}
	report, err := ctrl.Execute(context.Background(), runner.NewRunContext("r", nil), stages)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, 1, report.Stages[0].Attempts)
	assert.True(t, failure.Is(err, failure.KindInternal))
}

func TestRunContextHandsValuesBetweenStages(t *testing.T) {
	t.Parallel()

	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rc := runner.NewRunContext("r", &date)
	ctrl := newController(&sleepRecorder{}, nil, 0)
	var seen string
	stages := []runner.Stage{
		{Name: "produce", Run: func(_ context.Context, rc *runner.RunContext) error {
			rc.Set(runner.KeyAbsCSVPath, "/data/apod_data.csv")
			return nil
		}},
		{Name: "consume", Run: func(_ context.Context, rc *runner.RunContext) error {
			seen = rc.String(runner.KeyAbsCSVPath)
			return nil
		}},
	}

	report, err := ctrl.Execute(context.Background(), rc, stages)
	require.NoError(t, err)
	assert.Equal(t, "/data/apod_data.csv", seen)
	assert.Equal(t, "2024-05-01", report.Date)
	assert.Empty(t, rc.String(runner.KeyMetadataPath))
	assert.Equal(t, []string{runner.KeyAbsCSVPath}, rc.Keys())
}

func TestReportWithoutStagesIsNotSuccess(t *testing.T) {
	t.Parallel()

	assert.False(t, runner.Report{}.Succeeded())
}
