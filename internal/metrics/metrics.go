// Package metrics exposes Prometheus collectors for pipeline runs and the
// scheduler's HTTP surface.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/apod-pipeline/internal/runner"
)

// Collector owns every pipeline collector. It implements runner.Observer.
type Collector struct {
	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	lastSuccess   prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors against reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apod_stage_runs_total",
			Help: "Stage executions partitioned by stage and final state.",
		}, []string{"stage", "state"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apod_stage_duration_seconds",
			Help:    "Wall time per stage including retries.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 900},
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apod_runs_total",
			Help: "Pipeline runs partitioned by status.",
		}, []string{"status"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apod_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apod_http_requests_total",
			Help: "HTTP requests served, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apod_http_request_duration_seconds",
			Help:    "HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
		gatherer: reg,
	}
	for _, collector := range []prometheus.Collector{
		c.stageRuns,
		c.stageDuration,
		c.runs,
		c.lastSuccess,
		c.httpRequests,
		c.httpDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return c, nil
}

// StageFinished records one stage outcome.
func (c *Collector) StageFinished(stage string, state runner.State, _ int, elapsed time.Duration) {
	c.stageRuns.WithLabelValues(stage, string(state)).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RunFinished records one run outcome.
func (c *Collector) RunFinished(report runner.Report) {
	c.runs.WithLabelValues(report.Status()).Inc()
	if report.Succeeded() {
		c.lastSuccess.Set(float64(report.Finished.Unix()))
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Middleware is a chi middleware that records HTTP request metrics.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		c.httpRequests.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

var _ runner.Observer = (*Collector)(nil)
