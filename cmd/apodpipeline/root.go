package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/app"
	"github.com/JakeFAU/apod-pipeline/internal/config"
	"github.com/JakeFAU/apod-pipeline/internal/logging"
)

// env carries the state shared by subcommands. Tests swap newLogger and opts.
type env struct {
	cfgFile   string
	newLogger func(development bool) (*zap.Logger, error)
	opts      app.Options

	cfg    config.Config
	logger *zap.Logger
	app    *app.App
}

func defaultEnv() *env {
	return &env{newLogger: logging.New}
}

// App builds the services on first use.
func (e *env) App(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	a, err := app.New(ctx, e.cfg, e.logger, e.opts)
	if err != nil {
		return nil, fmt.Errorf("initialize services: %w", err)
	}
	e.app = a
	return a, nil
}

func (e *env) close() {
	if e.app != nil {
		if err := e.app.Close(); err != nil {
			e.logger.Warn("close services", zap.Error(err))
		}
		e.app = nil
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

func newRootCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "apodpipeline",
		Short:         "Daily NASA APOD ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(e.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := e.newLogger(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			e.cfg, e.logger = cfg, logger
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&e.cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newRunCmd(e),
		newBackfillCmd(e),
		newSnapshotCmd(e),
		newCommitCmd(e),
		newHistoryCmd(e),
		newScheduleCmd(e),
	)
	return cmd
}
