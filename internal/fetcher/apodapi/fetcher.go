// Package apodapi implements apod.Fetcher against the APOD HTTP endpoint using gocolly.
package apodapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/apod-pipeline/internal/apod"
	"github.com/JakeFAU/apod-pipeline/internal/failure"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Fetcher implements apod.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: colly.NewCollector(colly.Async(false), colly.AllowURLRevisit()),
		logger:        logger,
	}, nil
}

// Fetch performs one GET against the endpoint. A nil date asks for the latest entry.
// Transport failures, timeouts and non-2xx statuses are classified as transport
// errors; a body that is not a JSON object is a validation error.
func (f *Fetcher) Fetch(ctx context.Context, date *time.Time) (apod.RawRecord, error) {
	endpoint, err := f.requestURL(date)
	if err != nil {
		return nil, failure.Validation("fetch apod", "build request url", err)
	}

	var (
		body       []byte
		statusCode int
		fetchErr   error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	logger := f.logger.With(zap.String("endpoint", f.cfg.BaseURL), zap.String("date", dateLabel(date)))
	logger.Info("fetching apod record")
	start := time.Now()
	if err := collector.Visit(endpoint); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if fetchErr == nil && ctx.Err() != nil {
		fetchErr = ctx.Err()
	}
	if fetchErr != nil {
		logger.Error("apod fetch failed", zap.Int("status", statusCode), zap.Error(fetchErr))
		if statusCode != 0 {
			return nil, failure.Transport("fetch apod", fmt.Errorf("status %d: %w", statusCode, fetchErr))
		}
		return nil, failure.Transport("fetch apod", fetchErr)
	}
	if statusCode < 200 || statusCode > 299 {
		return nil, failure.Transport("fetch apod", fmt.Errorf("unexpected status %d", statusCode))
	}

	var record apod.RawRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, failure.Validation("fetch apod", "decode response body", fmt.Errorf("%w: %v", failure.ErrMalformed, err))
	}
	logger.Info("fetched apod record",
		zap.String("record_date", record.Date()),
		zap.Duration("duration", time.Since(start)),
	)
	return record, nil
}

func (f *Fetcher) requestURL(date *time.Time) (string, error) {
	u, err := url.Parse(f.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", f.cfg.APIKey)
	if date != nil {
		q.Set("date", date.Format(apod.DateLayout))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dateLabel(date *time.Time) string {
	if date == nil {
		return "latest"
	}
	return date.Format(apod.DateLayout)
}
