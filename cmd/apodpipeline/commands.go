package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/api"
	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/pipeline"
	"github.com/JakeFAU/apod-pipeline/internal/scheduler"
)

// --- run ---

func newRunCmd(e *env) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: `Run fetch, transform, load, snapshot and commit once.

Without --date the latest picture is fetched. The command exits non-zero when
fetch, transform or load fail; snapshot and commit failures are logged only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := parseOptionalDate(date)
			if err != nil {
				return err
			}
			a, err := e.App(cmd.Context())
			if err != nil {
				return err
			}
			report, runErr := a.Pipeline.Run(cmd.Context(), d)
			if err := printJSON(cmd.OutOrStdout(), pipeline.Summarize(report)); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "picture date (YYYY-MM-DD); default is the latest")
	return cmd
}

// --- backfill ---

func newBackfillCmd(e *env) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run the pipeline for every day in a range",
		Long: `Run the pipeline once per day from --from to --to inclusive, oldest first.

Stops at the first run whose fetch, transform or load failed.

Example:
  apodpipeline backfill --from 2024-04-01 --to 2024-04-30`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := parseDate(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end, err := parseDate(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			a, err := e.App(cmd.Context())
			if err != nil {
				return err
			}
			reports, runErr := a.Pipeline.Backfill(cmd.Context(), start, end)
			out := make([]pipeline.RunSummary, 0, len(reports))
			for _, r := range reports {
				out = append(out, pipeline.Summarize(r))
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- snapshot ---

func newSnapshotCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <csv>",
		Short: "Record a DVC snapshot of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			a, err := e.App(cmd.Context())
			if err != nil {
				return err
			}
			meta, err := a.DVC.Record(cmd.Context(), abs)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), meta)
			return err
		},
	}
}

// --- commit ---

func newCommitCmd(e *env) *cobra.Command {
	var csvPath string
	cmd := &cobra.Command{
		Use:   "commit [metadata]",
		Short: "Commit snapshot metadata to git",
		Long: `Stage and commit a DVC metadata file.

When the metadata path is omitted it is derived from --csv. A missing
repository, missing metadata or an empty commit are not errors.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// git runs in git.work_dir, so relative paths are resolved here.
			var meta string
			if len(args) == 1 {
				abs, err := filepath.Abs(args[0])
				if err != nil {
					return fmt.Errorf("resolve metadata path: %w", err)
				}
				meta = abs
			}
			csv := csvPath
			if csv != "" {
				abs, err := filepath.Abs(csv)
				if err != nil {
					return fmt.Errorf("resolve csv path: %w", err)
				}
				csv = abs
			}
			a, err := e.App(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.Git.Commit(cmd.Context(), meta, csv)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "csv path used to derive the metadata path")
	return cmd
}

// --- history ---

func newHistoryCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent stored rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be > 0")
			}
			a, err := e.App(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := a.Store.Latest(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			if rows == nil {
				rows = []apod.Row{}
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of rows to show")
	return cmd
}

// --- schedule ---

func newScheduleCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on an interval and serve the HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.App(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), e, a.Pipeline, a.Metrics)
		},
	}
}

func serve(ctx context.Context, e *env, p scheduler.Pipeline, m api.Metrics) error {
	sched := scheduler.New(p, scheduler.Config{
		Interval:  e.cfg.Schedule.Interval,
		RunOnBoot: e.cfg.Schedule.RunOnBoot,
	}, e.logger.Named("scheduler"))

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(e.cfg.Server.Port)),
		Handler:           api.NewServer(sched, m, e.logger.Named("http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serverErr := make(chan error, 1)
	go func() {
		e.logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			cancel()
		}
		close(serverErr)
	}()

	schedErr := sched.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := <-serverErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return schedErr
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(apod.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return nil, fmt.Errorf("--date: %w", err)
	}
	return &t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
