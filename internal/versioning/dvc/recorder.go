// Package dvc registers the flat file with DVC so each run leaves a content
// snapshot behind.
package dvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/execx"
	"github.com/JakeFAU/apod-pipeline/internal/failure"
)

// Config controls how the dvc binary is invoked.
type Config struct {
	Binary      string
	WorkDir     string
	MetadataExt string
}

// Recorder runs `dvc add` for a file and verifies the metadata file appears.
type Recorder struct {
	runner execx.Runner
	hasher apod.Hasher
	cfg    Config
	logger *zap.Logger
}

// New builds a Recorder. hasher may be nil, in which case no digest is logged.
func New(runner execx.Runner, hasher apod.Hasher, cfg Config, logger *zap.Logger) (*Recorder, error) {
	if runner == nil {
		return nil, fmt.Errorf("process runner is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = "dvc"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.MetadataExt == "" {
		cfg.MetadataExt = ".dvc"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{runner: runner, hasher: hasher, cfg: cfg, logger: logger}, nil
}

// MetadataPath is where dvc writes the metadata for absPath.
func (r *Recorder) MetadataPath(absPath string) string {
	return absPath + r.cfg.MetadataExt
}

// Record snapshots absPath and returns the resulting metadata path.
func (r *Recorder) Record(ctx context.Context, absPath string) (string, error) {
	const op = "dvc add"
	if absPath == "" {
		return "", failure.Tool(op, "file path is required", nil)
	}
	if err := r.ensureInitialized(ctx); err != nil {
		return "", err
	}

	r.logger.Info("adding file to dvc", zap.String("path", absPath))
	if _, err := r.runner.Run(ctx, r.cfg.WorkDir, r.cfg.Binary, "add", absPath); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", failure.Tool(op, "failed to add file", err)
	}

	metadata := r.MetadataPath(absPath)
	if _, err := os.Stat(metadata); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", failure.Tool(op, metadata, failure.ErrMetadataMissing)
		}
		return "", failure.Tool(op, "stat metadata file", err)
	}

	fields := []zap.Field{zap.String("path", absPath), zap.String("metadata", metadata)}
	if digest, err := r.digest(absPath); err != nil {
		r.logger.Warn("failed to hash snapshotted file", zap.String("path", absPath), zap.Error(err))
	} else if digest != "" {
		fields = append(fields, zap.String("sha256", digest))
	}
	r.logger.Info("recorded dvc snapshot", fields...)
	return metadata, nil
}

// ensureInitialized runs `dvc init --no-scm` when the work dir has no .dvc
// directory. Init failures are logged and otherwise ignored.
func (r *Recorder) ensureInitialized(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.cfg.WorkDir, ".dvc")); err == nil {
		return nil
	}
	r.logger.Info("initializing dvc", zap.String("work_dir", r.cfg.WorkDir))
	if _, err := r.runner.Run(ctx, r.cfg.WorkDir, r.cfg.Binary, "init", "--no-scm"); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.logger.Warn("dvc init failed; continuing", zap.Error(err))
	}
	return nil
}

type fileHasher interface {
	HashFile(path string) (string, error)
}

func (r *Recorder) digest(path string) (string, error) {
	if r.hasher == nil {
		return "", nil
	}
	if fh, ok := r.hasher.(fileHasher); ok {
		return fh.HashFile(path)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is the pipeline's own CSV.
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return r.hasher.Hash(data)
}

var _ apod.Snapshotter = (*Recorder)(nil)
