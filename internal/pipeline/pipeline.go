// Package pipeline wires the fetcher, normalizer, sinks and recorders into the
// five-stage daily chain and runs it under the run controller.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/failure"
	"github.com/JakeFAU/apod-pipeline/internal/runner"
)

// Stage names, in execution order.
const (
	StageExtract   = "step1_extract"
	StageTransform = "step2_transform"
	StageLoad      = "step3_load"
	StageSnapshot  = "step4_dvc_version"
	StageCommit    = "step5_git_commit"
)

const keyCommitResult = "git_commit_result"

// Normalizer turns a raw record into a row.
type Normalizer interface {
	Normalize(raw apod.RawRecord) (apod.Row, error)
}

// Deps are the collaborators a Pipeline drives. Mirror, Snapshot, Commit and
// Publisher are optional; the stages they back become logged no-ops.
type Deps struct {
	Fetcher    apod.Fetcher
	Normalizer Normalizer
	Store      apod.RowStore
	File       apod.FileSink
	Mirror     apod.BlobStore
	Snapshot   apod.Snapshotter
	Commit     apod.Committer
	Publisher  apod.Publisher
	IDs        apod.IDGenerator
}

// Config holds the non-collaborator settings.
type Config struct {
	// CSVPath is the configured (possibly relative) flat file path.
	CSVPath string
	// MirrorObject is the object name the merged CSV is uploaded as.
	MirrorObject string
	// Topic receives run summaries.
	Topic string
}

// Pipeline runs the stage chain.
type Pipeline struct {
	deps       Deps
	cfg        Config
	controller *runner.Controller
	logger     *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(deps Deps, cfg Config, controller *runner.Controller, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Normalizer == nil:
		return nil, fmt.Errorf("normalizer is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("row store is required")
	case deps.File == nil:
		return nil, fmt.Errorf("file sink is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case controller == nil:
		return nil, fmt.Errorf("run controller is required")
	}
	if cfg.MirrorObject == "" {
		cfg.MirrorObject = "apod_data.csv"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, cfg: cfg, controller: controller, logger: logger}, nil
}

// Stages returns the chain in execution order.
func (p *Pipeline) Stages() []runner.Stage {
	return []runner.Stage{
		{Name: StageExtract, Run: p.extract},
		{Name: StageTransform, Run: p.transform},
		{Name: StageLoad, Run: p.load},
		{Name: StageSnapshot, BestEffort: true, Run: p.snapshot},
		{Name: StageCommit, BestEffort: true, Run: p.commit},
	}
}

// Run executes one pipeline run for date, or for the latest record when date
// is nil. The returned error is non-nil when a required stage failed.
func (p *Pipeline) Run(ctx context.Context, date *time.Time) (runner.Report, error) {
	runID, err := p.deps.IDs.NewID()
	if err != nil {
		return runner.Report{}, fmt.Errorf("generate run id: %w", err)
	}
	rc := runner.NewRunContext(runID, date)
	p.logger.Info("run started", zap.String("run_id", runID), zap.String("date", dateLabel(date)))

	report, runErr := p.controller.Execute(ctx, rc, p.Stages())
	if report.Date == "" {
		if rows, ok := rowsFrom(rc); ok && len(rows) > 0 {
			report.Date = rows[0].Date
		}
	}
	p.publish(ctx, rc, report)
	return report, runErr
}

// Backfill runs the pipeline once per day from..to inclusive, in ascending
// order, and stops at the first failed run.
func (p *Pipeline) Backfill(ctx context.Context, from, to time.Time) ([]runner.Report, error) {
	from, to = day(from), day(to)
	if to.Before(from) {
		return nil, fmt.Errorf("backfill range is empty: %s is after %s",
			from.Format(apod.DateLayout), to.Format(apod.DateLayout))
	}
	var reports []runner.Report
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		date := d
		report, err := p.Run(ctx, &date)
		reports = append(reports, report)
		if err != nil {
			return reports, fmt.Errorf("backfill %s: %w", d.Format(apod.DateLayout), err)
		}
	}
	return reports, nil
}

func (p *Pipeline) extract(ctx context.Context, rc *runner.RunContext) error {
	raw, err := p.deps.Fetcher.Fetch(ctx, rc.Date())
	if err != nil {
		return err
	}
	rc.Set(runner.KeyRawRecord, raw)
	return nil
}

func (p *Pipeline) transform(_ context.Context, rc *runner.RunContext) error {
	v, _ := rc.Get(runner.KeyRawRecord)
	raw, _ := v.(apod.RawRecord)
	row, err := p.deps.Normalizer.Normalize(raw)
	if err != nil {
		return err
	}
	rc.Set(runner.KeyRows, []apod.Row{row})
	return nil
}

func (p *Pipeline) load(ctx context.Context, rc *runner.RunContext) error {
	rows, ok := rowsFrom(rc)
	if !ok {
		return failure.New(failure.KindInternal, StageLoad, "no transformed rows", nil)
	}
	logger := p.logger.With(zap.String("run_id", rc.RunID()), zap.String("stage", StageLoad))

	var abs string
	for _, row := range rows {
		if err := p.deps.Store.Upsert(ctx, row); err != nil {
			return fmt.Errorf("upsert row %s: %w", row.Date, err)
		}
		path, err := p.deps.File.Append(ctx, row)
		if err != nil {
			return fmt.Errorf("append row %s: %w", row.Date, err)
		}
		abs = path
	}
	rc.Set(runner.KeyCSVPath, p.cfg.CSVPath)
	rc.Set(runner.KeyAbsCSVPath, abs)
	logger.Info("loaded rows", zap.Int("rows", len(rows)), zap.String("path", abs))

	if p.deps.Mirror != nil && abs != "" {
		if uri, err := p.mirror(ctx, abs); err != nil {
			logger.Warn("mirror upload failed", zap.String("path", abs), zap.Error(err))
		} else {
			logger.Info("mirrored csv", zap.String("uri", uri))
		}
	}
	return nil
}

func (p *Pipeline) mirror(ctx context.Context, abs string) (string, error) {
	f, err := os.Open(abs) // #nosec G304 -- the sink's own output file.
	if err != nil {
		return "", fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	return p.deps.Mirror.PutObject(ctx, p.cfg.MirrorObject, "text/csv", f)
}

func (p *Pipeline) snapshot(ctx context.Context, rc *runner.RunContext) error {
	if p.deps.Snapshot == nil {
		p.logger.Info("snapshot recorder disabled", zap.String("run_id", rc.RunID()))
		return nil
	}
	abs := rc.String(runner.KeyAbsCSVPath)
	if abs == "" {
		return failure.New(failure.KindInternal, StageSnapshot, "no csv path from load stage", nil)
	}
	meta, err := p.deps.Snapshot.Record(ctx, abs)
	if err != nil {
		return err
	}
	rc.Set(runner.KeyMetadataPath, meta)
	return nil
}

func (p *Pipeline) commit(ctx context.Context, rc *runner.RunContext) error {
	if p.deps.Commit == nil {
		p.logger.Info("change recorder disabled", zap.String("run_id", rc.RunID()))
		return nil
	}
	res, err := p.deps.Commit.Commit(ctx, rc.String(runner.KeyMetadataPath), rc.String(runner.KeyAbsCSVPath))
	if err != nil {
		return err
	}
	rc.Set(keyCommitResult, res)
	return nil
}

func (p *Pipeline) publish(ctx context.Context, rc *runner.RunContext, report runner.Report) {
	if p.deps.Publisher == nil {
		return
	}
	summary := Summarize(report)
	if v, ok := rc.Get(keyCommitResult); ok {
		if res, ok := v.(apod.CommitResult); ok {
			summary.Commit = &res
		}
	}
	summary.CSVPath = rc.String(runner.KeyAbsCSVPath)
	summary.MetadataPath = rc.String(runner.KeyMetadataPath)
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, summary); err != nil {
		p.logger.Warn("publish run summary failed", zap.String("run_id", report.RunID), zap.Error(err))
	}
}

func rowsFrom(rc *runner.RunContext) ([]apod.Row, bool) {
	v, ok := rc.Get(runner.KeyRows)
	if !ok {
		return nil, false
	}
	rows, ok := v.([]apod.Row)
	return rows, ok
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dateLabel(date *time.Time) string {
	if date == nil {
		return "latest"
	}
	return date.Format(apod.DateLayout)
}
