// Package postgres provides the Postgres-backed relational sink.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/failure"
)

const defaultTable = "apod_data"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Postgres error codes produced when two sessions race on CREATE TABLE IF NOT EXISTS.
const (
	codeDuplicateTable  = "42P07"
	codeUniqueViolation = "23505"
)

// codeUndefinedTable is returned when history is read before the first upsert.
const codeUndefinedTable = "42P01"

// Config holds the connection parameters and target table.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	Table    string
	MaxConns int32
}

// DSN renders the config as a postgres:// URL.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// RowStore upserts normalized rows into a Postgres table keyed by date.
type RowStore struct {
	pool   pool
	table  string
	logger *zap.Logger
}

// NewRowStore connects a pgx pool using cfg.
func NewRowStore(ctx context.Context, cfg Config, logger *zap.Logger) (*RowStore, error) {
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, failure.Transport("connect postgres", err)
	}
	return newRowStore(p, table, logger), nil
}

// NewRowStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRowStoreWithPool(p pool, table string, logger *zap.Logger) (*RowStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return newRowStore(p, name, logger), nil
}

func newRowStore(p pool, table string, logger *zap.Logger) *RowStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RowStore{pool: p, table: table, logger: logger.With(zap.String("table", table))}
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RowStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *RowStore) createTableSQL() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	date DATE NOT NULL,
	title TEXT,
	url TEXT,
	explanation TEXT,
	media_type VARCHAR(50),
	hdurl TEXT,
	copyright TEXT,
	service_version VARCHAR(50),
	extracted_at TIMESTAMP,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(date)
)`, s.table)
}

func (s *RowStore) upsertSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (
	date, title, url, explanation, media_type, hdurl, copyright, service_version, extracted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (date) DO UPDATE SET
	title = EXCLUDED.title,
	url = EXCLUDED.url,
	explanation = EXCLUDED.explanation,
	media_type = EXCLUDED.media_type,
	hdurl = EXCLUDED.hdurl,
	copyright = EXCLUDED.copyright,
	service_version = EXCLUDED.service_version,
	extracted_at = EXCLUDED.extracted_at`, s.table)
}

// errCreateTable marks failures of the schema statement so a lost creation
// race can be told apart from insert failures.
type errCreateTable struct{ err error }

func (e *errCreateTable) Error() string { return "create table: " + e.err.Error() }
func (e *errCreateTable) Unwrap() error { return e.err }

// Upsert creates the table if needed and inserts row, overwriting every
// non-key column when a row for the same date already exists. Both statements
// run in one transaction; if another session created the table concurrently
// the insert is retried alone in a fresh transaction.
func (s *RowStore) Upsert(ctx context.Context, row apod.Row) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("row store is not configured")
	}
	args, err := upsertArgs(row)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, s.createTableSQL()); err != nil {
			return &errCreateTable{err: err}
		}
		if _, err := tx.Exec(ctx, s.upsertSQL(), args...); err != nil {
			return fmt.Errorf("upsert row: %w", err)
		}
		return nil
	})
	if lostCreateRace(err) {
		s.logger.Warn("table created concurrently; retrying insert", zap.Error(err))
		err = s.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, s.upsertSQL(), args...); err != nil {
				return fmt.Errorf("upsert row: %w", err)
			}
			return nil
		})
	}
	if err != nil {
		return err
	}
	s.logger.Info("upserted row", zap.String("date", row.Date))
	return nil
}

func (s *RowStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return classify("postgres", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// Latest returns up to limit rows, newest date first.
func (s *RowStore) Latest(ctx context.Context, limit int) ([]apod.Row, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`
SELECT
	to_char(date, 'YYYY-MM-DD'),
	COALESCE(title, ''),
	COALESCE(url, ''),
	COALESCE(explanation, ''),
	COALESCE(media_type, ''),
	COALESCE(hdurl, ''),
	COALESCE(copyright, ''),
	COALESCE(service_version, ''),
	COALESCE(to_char(extracted_at, 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'), '')
FROM %s
ORDER BY date DESC
LIMIT $1`, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		if undefinedTable(err) {
			return nil, nil
		}
		return nil, classify("list rows", err)
	}
	defer rows.Close()

	var out []apod.Row
	for rows.Next() {
		var r apod.Row
		if err := rows.Scan(
			&r.Date,
			&r.Title,
			&r.URL,
			&r.Explanation,
			&r.MediaType,
			&r.HDURL,
			&r.Copyright,
			&r.ServiceVersion,
			&r.ExtractedAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		if undefinedTable(err) {
			return nil, nil
		}
		return nil, classify("list rows", err)
	}
	return out, nil
}

func upsertArgs(row apod.Row) ([]any, error) {
	date, err := row.ParsedDate()
	if err != nil {
		return nil, failure.Validation("upsert row", "invalid date", fmt.Errorf("%w: %v", failure.ErrMalformed, err))
	}
	var extractedAt any
	if row.ExtractedAt != "" {
		ts, err := row.ParsedExtractedAt()
		if err != nil {
			return nil, failure.Validation("upsert row", "invalid extracted_at", fmt.Errorf("%w: %v", failure.ErrMalformed, err))
		}
		extractedAt = ts.UTC()
	}
	return []any{
		date,
		row.Title,
		row.URL,
		row.Explanation,
		row.MediaType,
		row.HDURL,
		row.Copyright,
		row.ServiceVersion,
		extractedAt,
	}, nil
}

func lostCreateRace(err error) bool {
	var ce *errCreateTable
	if !errors.As(err, &ce) {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(ce.err, &pgErr) {
		return false
	}
	return pgErr.Code == codeDuplicateTable || pgErr.Code == codeUniqueViolation
}

func undefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUndefinedTable
}

// classify marks connection-level failures as transport errors and wraps the rest.
func classify(op string, err error) error {
	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr), errors.As(err, &netErr), pgconn.Timeout(err):
		return failure.Transport(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

var _ apod.RowStore = (*RowStore)(nil)
