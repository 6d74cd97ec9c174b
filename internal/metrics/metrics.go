// Package metrics exposes two views of the same counters: a Prometheus
// registry for scrapers and a small JSON snapshot for the operator UI.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/repository"
)

// Registry bundles the Prometheus registry with the application collectors.
type Registry struct {
	reg *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	RunsByStatus *prometheus.GaugeVec
	QueueDepth   prometheus.Gauge
}

// NewRegistry builds an isolated registry with process and Go collectors plus
// the control plane series.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_http_requests_total",
			Help: "HTTP requests by method, route, and status class.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "controlplane_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RunsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "controlplane_runs",
			Help: "Run count by lifecycle status.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_queue_depth",
			Help: "Runs in pre-preview states awaiting or undergoing execution.",
		}),
	}
	reg.MustRegister(r.HTTPRequests, r.HTTPDuration, r.RunsByStatus, r.QueueDepth)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (r *Registry) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	class := fmt.Sprintf("%dxx", status/100)
	r.HTTPRequests.WithLabelValues(method, route, class).Inc()
	r.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Refresh reloads the run gauges from the store. Called on each scrape of the
// core snapshot; stale gauges between scrapes are acceptable.
func (r *Registry) Refresh(byStatus map[string]int64, queueDepth int64) {
	for _, state := range domain.AllStates {
		r.RunsByStatus.WithLabelValues(string(state)).Set(float64(byStatus[string(state)]))
	}
	r.QueueDepth.Set(float64(queueDepth))
}

// CoreSnapshot is the JSON metrics payload for the operator surface.
type CoreSnapshot struct {
	QueueDepth         int64            `json:"queue_depth"`
	RunsByStatus       map[string]int64 `json:"runs_by_status"`
	TerminalRuns       int64            `json:"terminal_runs"`
	FailedRuns         int64            `json:"failed_runs"`
	FailureRate        float64          `json:"failure_rate"`
	AvgDurationSeconds float64          `json:"avg_duration_seconds"`
	MaxDurationSeconds float64          `json:"max_duration_seconds"`
	SampleSize         int64            `json:"sample_size"`
	ObservedAt         time.Time        `json:"observed_at"`
}

// Collector computes the core snapshot from the store.
type Collector struct {
	q        *repository.Queries
	registry *Registry
}

// NewCollector wires the snapshot collector; registry may be nil in tests.
func NewCollector(q *repository.Queries, registry *Registry) *Collector {
	return &Collector{q: q, registry: registry}
}

// Snapshot reads the current counters and refreshes the Prometheus gauges.
func (c *Collector) Snapshot(ctx context.Context) (CoreSnapshot, error) {
	depth, err := c.q.QueueDepth(ctx)
	if err != nil {
		return CoreSnapshot{}, fmt.Errorf("queue depth: %w", err)
	}
	byStatus, err := c.q.CountRunsByStatus(ctx)
	if err != nil {
		return CoreSnapshot{}, fmt.Errorf("runs by status: %w", err)
	}
	durations, err := c.q.TerminalDurations(ctx)
	if err != nil {
		return CoreSnapshot{}, fmt.Errorf("terminal durations: %w", err)
	}

	snap := CoreSnapshot{
		QueueDepth:         depth,
		RunsByStatus:       byStatus,
		AvgDurationSeconds: durations.AvgSeconds,
		MaxDurationSeconds: durations.MaxSeconds,
		SampleSize:         durations.SampleSize,
		ObservedAt:         time.Now().UTC(),
	}
	for _, state := range domain.AllStates {
		if !domain.IsTerminal(state) {
			continue
		}
		snap.TerminalRuns += byStatus[string(state)]
	}
	snap.FailedRuns = byStatus[string(domain.StateFailed)]
	if snap.TerminalRuns > 0 {
		snap.FailureRate = float64(snap.FailedRuns) / float64(snap.TerminalRuns)
	}

	if c.registry != nil {
		c.registry.Refresh(byStatus, depth)
	}
	return snap, nil
}
