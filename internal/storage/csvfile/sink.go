// Package csvfile implements the flat-file sink: a CSV holding every row seen
// so far, one per date, rewritten in full on each append.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
)

// Config locates the flat file.
type Config struct {
	Path string `mapstructure:"path"`
}

// Sink merges rows into the CSV file at a fixed path.
type Sink struct {
	path   string
	logger *zap.Logger
}

// New builds a Sink for cfg.Path.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("csv path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{path: cfg.Path, logger: logger}, nil
}

// Path returns the configured (possibly relative) path.
func (s *Sink) Path() string { return s.path }

// Append writes row into the file and returns the file's absolute path.
//
// A missing file is created with a header. An existing file is read in full,
// the row is appended, and rows sharing a date are collapsed to the last one
// in file order, so the new row replaces any earlier row for its date.
func (s *Sink) Append(ctx context.Context, row apod.Row) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return "", fmt.Errorf("resolve csv path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return "", fmt.Errorf("create csv directory: %w", err)
	}

	existing, err := ReadAll(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := writeAtomic(abs, []apod.Row{row}); err != nil {
			return "", err
		}
		s.logger.Info("created csv file", zap.String("path", abs), zap.String("date", row.Date))
		return abs, nil
	case err != nil:
		return "", err
	}

	merged := Dedupe(append(existing, row))
	if err := writeAtomic(abs, merged); err != nil {
		return "", err
	}
	s.logger.Info("appended row to csv file",
		zap.String("path", abs),
		zap.String("date", row.Date),
		zap.Int("rows", len(merged)),
	)
	return abs, nil
}

// Dedupe keeps the last occurrence of each date. Survivors keep their
// relative order, so ordering follows append order rather than date order.
func Dedupe(rows []apod.Row) []apod.Row {
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		last[r.Date] = i
	}
	out := make([]apod.Row, 0, len(last))
	for i, r := range rows {
		if last[r.Date] == i {
			out = append(out, r)
		}
	}
	return out
}

// ReadAll parses the CSV at path. Columns are matched by header name, so files
// written with an older column order still load. An empty file has no rows.
func ReadAll(path string) ([]apod.Row, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from configuration.
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var rows []apod.Row
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}
		rows = append(rows, apod.RowFromValues(header, record))
	}
	return rows, nil
}

// writeAtomic writes the header and rows to a temp file beside path and renames it into place.
func writeAtomic(path string, rows []apod.Row) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp csv: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	w := csv.NewWriter(tmp)
	if err := w.Write(apod.Columns); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		if err := w.Write(r.Values()); err != nil {
			_ = tmp.Close()
			cleanup()
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("flush csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp csv: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil { // #nosec G302 -- the CSV is a shared artifact.
		cleanup()
		return fmt.Errorf("chmod temp csv: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace csv: %w", err)
	}
	return nil
}

var _ apod.FileSink = (*Sink)(nil)
