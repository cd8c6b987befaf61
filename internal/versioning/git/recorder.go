// Package git commits snapshot metadata files into the surrounding Git
// repository. Every environmental gap is a logged no-op rather than an error.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/execx"
)

const commitTimeLayout = "2006-01-02 15:04:05"

// Reasons reported in CommitResult.Skipped.
const (
	SkipNoRepository    = "no repository"
	SkipNoMetadata      = "metadata not found"
	SkipAddFailed       = "git add failed"
	SkipNothingToCommit = "nothing to commit"
)

// Config controls how the git binary is invoked.
type Config struct {
	Binary        string
	WorkDir       string
	UserName      string
	UserEmail     string
	MessagePrefix string
	MetadataExt   string
}

// Recorder stages and commits one metadata file per call.
type Recorder struct {
	runner execx.Runner
	clock  apod.Clock
	cfg    Config
	logger *zap.Logger
}

// New builds a Recorder.
func New(runner execx.Runner, clock apod.Clock, cfg Config, logger *zap.Logger) (*Recorder, error) {
	if runner == nil {
		return nil, fmt.Errorf("process runner is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.MetadataExt == "" {
		cfg.MetadataExt = ".dvc"
	}
	if cfg.MessagePrefix == "" {
		cfg.MessagePrefix = "Add DVC metadata for APOD data"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{runner: runner, clock: clock, cfg: cfg, logger: logger}, nil
}

// Commit stages metadataPath and commits it. When metadataPath is empty it is
// derived from csvPath. Only context cancellation is returned as an error.
func (r *Recorder) Commit(ctx context.Context, metadataPath, csvPath string) (apod.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return apod.CommitResult{}, err
	}
	if _, err := os.Stat(filepath.Join(r.cfg.WorkDir, ".git")); err != nil {
		r.logger.Warn("not a git repository; skipping commit", zap.String("work_dir", r.cfg.WorkDir))
		return apod.CommitResult{Skipped: SkipNoRepository}, nil
	}

	path := metadataPath
	if path == "" && csvPath != "" {
		path = csvPath + r.cfg.MetadataExt
		r.logger.Info("derived metadata path from csv", zap.String("path", path))
	}
	if path == "" {
		r.logger.Warn("no metadata path available; skipping commit")
		return apod.CommitResult{Skipped: SkipNoMetadata}, nil
	}
	if _, err := os.Stat(path); err != nil {
		r.logger.Warn("metadata file not found; skipping commit", zap.String("path", path))
		return apod.CommitResult{Path: path, Skipped: SkipNoMetadata}, nil
	}

	if err := r.configureIdentity(ctx); err != nil {
		return apod.CommitResult{}, err
	}

	if _, err := r.git(ctx, "add", path); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apod.CommitResult{}, ctxErr
		}
		r.logger.Warn("git add failed; skipping commit", zap.String("path", path), zap.Error(err))
		return apod.CommitResult{Path: path, Skipped: SkipAddFailed}, nil
	}

	// diff --quiet exits 0 when the staged tree has no change for path.
	if _, err := r.git(ctx, "diff", "--cached", "--quiet", "--", path); err == nil {
		r.logger.Info("no changes to commit", zap.String("path", path))
		return apod.CommitResult{Path: path, Skipped: SkipNothingToCommit}, nil
	} else if ctxErr := ctx.Err(); ctxErr != nil {
		return apod.CommitResult{}, ctxErr
	}

	msg := fmt.Sprintf("%s - %s", r.cfg.MessagePrefix, r.now().Format(commitTimeLayout))
	out, err := r.git(ctx, "commit", "-m", msg)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apod.CommitResult{}, ctxErr
		}
		r.logger.Info("git commit made no commit", zap.String("path", path), zap.String("output", strings.TrimSpace(out.Combined)))
		return apod.CommitResult{Path: path, Skipped: SkipNothingToCommit, Message: msg}, nil
	}
	r.logger.Info("committed snapshot metadata", zap.String("path", path), zap.String("message", msg))
	return apod.CommitResult{Committed: true, Path: path, Message: msg}, nil
}

func (r *Recorder) configureIdentity(ctx context.Context) error {
	settings := [][2]string{{"user.name", r.cfg.UserName}, {"user.email", r.cfg.UserEmail}}
	for _, kv := range settings {
		if kv[1] == "" {
			continue
		}
		if _, err := r.git(ctx, "config", kv[0], kv[1]); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.logger.Debug("git config failed; continuing", zap.String("key", kv[0]), zap.Error(err))
		}
	}
	return nil
}

func (r *Recorder) git(ctx context.Context, args ...string) (execx.Output, error) {
	out, err := r.runner.Run(ctx, r.cfg.WorkDir, r.cfg.Binary, args...)
	if err != nil {
		return out, fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}

func (r *Recorder) now() time.Time {
	if r.clock == nil {
		return time.Now()
	}
	return r.clock.Now()
}

var _ apod.Committer = (*Recorder)(nil)
