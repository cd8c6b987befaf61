// Package sqlite provides a SQLite-backed relational sink for local runs.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/failure"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RowStore upserts rows into a SQLite table keyed by date.
type RowStore struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// Open opens (or creates) the database at path. Pass ":memory:" for an
// in-memory database (used by tests).
func Open(path, table string, logger *zap.Logger) (*RowStore, error) {
	if table == "" {
		table = "apod_data"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and avoids "database is locked".
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RowStore{db: db, table: table, logger: logger.With(zap.String("table", table))}, nil
}

// Close closes the underlying database.
func (s *RowStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Upsert creates the table if needed and inserts row in one transaction,
// overwriting every non-key column of an existing row with the same date.
func (s *RowStore) Upsert(ctx context.Context, row apod.Row) error {
	if _, err := row.ParsedDate(); err != nil {
		return failure.Validation("upsert row", "invalid date", fmt.Errorf("%w: %v", failure.ErrMalformed, err))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	date TEXT NOT NULL UNIQUE,
	title TEXT,
	url TEXT,
	explanation TEXT,
	media_type TEXT,
	hdurl TEXT,
	copyright TEXT,
	service_version TEXT,
	extracted_at TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
)`, s.table)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (date, title, url, explanation, media_type, hdurl, copyright, service_version, extracted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(date) DO UPDATE SET
	title = excluded.title,
	url = excluded.url,
	explanation = excluded.explanation,
	media_type = excluded.media_type,
	hdurl = excluded.hdurl,
	copyright = excluded.copyright,
	service_version = excluded.service_version,
	extracted_at = excluded.extracted_at`, s.table),
		row.Date, row.Title, row.URL, row.Explanation, row.MediaType,
		row.HDURL, row.Copyright, row.ServiceVersion, row.ExtractedAt,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.logger.Info("upserted row", zap.String("date", row.Date))
	return nil
}

// Latest returns up to limit rows, newest date first. A missing table yields no rows.
func (s *RowStore) Latest(ctx context.Context, limit int) ([]apod.Row, error) {
	if limit <= 0 {
		limit = 10
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, s.table,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check table: %w", err)
	}
	if exists == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT date, COALESCE(title, ''), COALESCE(url, ''), COALESCE(explanation, ''),
	COALESCE(media_type, ''), COALESCE(hdurl, ''), COALESCE(copyright, ''),
	COALESCE(service_version, ''), COALESCE(extracted_at, '')
FROM %s ORDER BY date DESC LIMIT ?`, s.table), limit)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []apod.Row
	for rows.Next() {
		var r apod.Row
		if err := rows.Scan(&r.Date, &r.Title, &r.URL, &r.Explanation, &r.MediaType,
			&r.HDURL, &r.Copyright, &r.ServiceVersion, &r.ExtractedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	return out, nil
}

var _ apod.RowStore = (*RowStore)(nil)
