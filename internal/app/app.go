// Package app builds the long-lived pipeline services from configuration and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/clock/system"
	"github.com/JakeFAU/apod-pipeline/internal/config"
	"github.com/JakeFAU/apod-pipeline/internal/execx"
	"github.com/JakeFAU/apod-pipeline/internal/fetcher/apodapi"
	"github.com/JakeFAU/apod-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/apod-pipeline/internal/id/uuid"
	"github.com/JakeFAU/apod-pipeline/internal/metrics"
	"github.com/JakeFAU/apod-pipeline/internal/pipeline"
	"github.com/JakeFAU/apod-pipeline/internal/publisher/noop"
	"github.com/JakeFAU/apod-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/apod-pipeline/internal/runner"
	"github.com/JakeFAU/apod-pipeline/internal/storage/csvfile"
	"github.com/JakeFAU/apod-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/apod-pipeline/internal/storage/local"
	"github.com/JakeFAU/apod-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/apod-pipeline/internal/storage/sqlite"
	"github.com/JakeFAU/apod-pipeline/internal/transform"
	"github.com/JakeFAU/apod-pipeline/internal/versioning/dvc"
	"github.com/JakeFAU/apod-pipeline/internal/versioning/git"
)

// Options overrides collaborators that are otherwise built from config.
type Options struct {
	Runner    execx.Runner
	Registry  *prometheus.Registry
	Publisher apod.Publisher
}

// App holds the services shared by every command.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    apod.RowStore
	File     *csvfile.Sink
	DVC      *dvc.Recorder
	Git      *git.Recorder
	Metrics  *metrics.Collector
	Pipeline *pipeline.Pipeline

	closers []func() error
}

// New wires every service described by cfg. Nothing here dials a remote
// service eagerly except the optional GCS and Pub/Sub clients.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx, opts); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("close after failed init", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config
	clock := system.New()

	fetcher, err := apodapi.New(apodapi.Config{
		BaseURL:   cfg.API.BaseURL,
		APIKey:    cfg.API.Key,
		Timeout:   cfg.FetchTimeout(),
		UserAgent: cfg.API.UserAgent,
	}, a.Logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("build fetcher: %w", err)
	}

	if a.Store, err = a.openStore(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, a.Store.Close)

	if a.File, err = csvfile.New(csvfile.Config{Path: cfg.CSV.Path}, a.Logger.Named("csv")); err != nil {
		return fmt.Errorf("build csv sink: %w", err)
	}

	procs := opts.Runner
	if procs == nil {
		procs = execx.NewExecRunner()
	}
	if a.DVC, err = dvc.New(procs, sha256.New(), dvc.Config{
		Binary:      cfg.DVC.Binary,
		WorkDir:     cfg.DVC.WorkDir,
		MetadataExt: cfg.DVC.MetadataExt,
	}, a.Logger.Named("dvc")); err != nil {
		return fmt.Errorf("build dvc recorder: %w", err)
	}
	if a.Git, err = git.New(procs, clock, git.Config{
		Binary:        cfg.Git.Binary,
		WorkDir:       cfg.Git.WorkDir,
		UserName:      cfg.Git.UserName,
		UserEmail:     cfg.Git.UserEmail,
		MessagePrefix: cfg.Git.MessagePrefix,
		MetadataExt:   cfg.DVC.MetadataExt,
	}, a.Logger.Named("git")); err != nil {
		return fmt.Errorf("build git recorder: %w", err)
	}

	if a.Metrics, err = metrics.New(opts.Registry); err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}

	publisher := opts.Publisher
	if publisher == nil {
		if publisher, err = a.openPublisher(ctx); err != nil {
			return err
		}
	}

	deps := pipeline.Deps{
		Fetcher:    fetcher,
		Normalizer: transform.NewNormalizer(clock),
		Store:      a.Store,
		File:       a.File,
		Publisher:  publisher,
		IDs:        uuid.New(),
	}
	if cfg.DVC.Enabled {
		deps.Snapshot = a.DVC
	}
	if cfg.Git.Enabled {
		deps.Commit = a.Git
	}
	if cfg.Mirror.GCSBucket != "" || cfg.Mirror.LocalDir != "" {
		mirror, err := a.openMirror(ctx)
		if err != nil {
			return err
		}
		deps.Mirror = mirror
	}

	controller := runner.New(runner.Config{
		MaxRetries:   cfg.Runner.MaxRetries,
		RetryDelay:   cfg.RetryDelay(),
		StageTimeout: cfg.StageTimeout(),
	},
		runner.WithClock(clock),
		runner.WithObserver(a.Metrics),
		runner.WithLogger(a.Logger.Named("runner")),
	)
	a.Pipeline, err = pipeline.New(deps, pipeline.Config{
		CSVPath:      cfg.CSV.Path,
		MirrorObject: filepath.Base(cfg.CSV.Path),
		Topic:        cfg.Notify.Topic,
	}, controller, a.Logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (apod.RowStore, error) {
	db := a.Config.DB
	switch db.Driver {
	case "sqlite":
		store, err := sqlite.Open(db.SQLitePath, db.Table, a.Logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		store, err := postgres.NewRowStore(ctx, postgres.Config{
			Host:     db.Host,
			Port:     db.Port,
			Database: db.Name,
			User:     db.User,
			Password: db.Password,
			SSLMode:  db.SSLMode,
			Table:    db.Table,
			MaxConns: db.MaxConns,
		}, a.Logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	}
}

func (a *App) openPublisher(ctx context.Context) (apod.Publisher, error) {
	n := a.Config.Notify
	if n.ProjectID == "" || n.Topic == "" {
		return noop.New(), nil
	}
	pub, err := pubsub.New(ctx, pubsub.Config{ProjectID: n.ProjectID, Topic: n.Topic}, a.Logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("open pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, pub.Close)
	a.Logger.Info("publishing run summaries", zap.String("project_id", n.ProjectID), zap.String("topic", n.Topic))
	return pub, nil
}

func (a *App) openMirror(ctx context.Context) (apod.BlobStore, error) {
	m := a.Config.Mirror
	if m.LocalDir != "" {
		store, err := local.New(local.Config{BaseDir: m.LocalDir, Prefix: m.Prefix})
		if err != nil {
			return nil, fmt.Errorf("build local mirror: %w", err)
		}
		a.Logger.Info("mirroring csv to directory", zap.String("dir", m.LocalDir), zap.String("prefix", m.Prefix))
		return store, nil
	}
	client, err := gcsstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	store, err := gcs.New(client, gcs.Config{Bucket: m.GCSBucket, Prefix: m.Prefix})
	if err != nil {
		return nil, fmt.Errorf("build gcs mirror: %w", err)
	}
	a.Logger.Info("mirroring csv to gcs", zap.String("bucket", m.GCSBucket), zap.String("prefix", m.Prefix))
	return store, nil
}

// Close releases services in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
