// Package metrics registers the engine's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine exports. One instance is created
// at startup and threaded through the components that record into it.
type Metrics struct {
	Registry *prometheus.Registry

	SyncRuns     *prometheus.CounterVec // status: success | failed | skipped
	SyncDuration prometheus.Histogram
	IssuesSynced *prometheus.CounterVec // direction: h_to_v | h_to_b | b_to_h | v_to_h
	APILatency   *prometheus.HistogramVec

	ProjectsTracked prometheus.Gauge
	IssuesTracked   prometheus.Gauge
	QueueDepth      prometheus.Gauge
	WorkflowsActive prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	m := &Metrics{
		Registry: reg,
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hvsync_sync_runs_total",
			Help: "Orchestration cycles by terminal status.",
		}, []string{"status"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hvsync_sync_duration_seconds",
			Help:    "Wall time of one orchestration cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		IssuesSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hvsync_issues_synced_total",
			Help: "Issue writes by sync direction.",
		}, []string{"direction"}),
		APILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hvsync_api_latency_seconds",
			Help:    "Upstream API call latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		ProjectsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hvsync_projects_tracked",
			Help: "Projects known to the mapping store.",
		}),
		IssuesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hvsync_issues_tracked",
			Help: "Issues known to the mapping store.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hvsync_event_queue_depth",
			Help: "Sync events waiting in the controller.",
		}),
		WorkflowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hvsync_workflows_active",
			Help: "Workflow executions currently running.",
		}),
	}
	reg.MustRegister(
		m.SyncRuns, m.SyncDuration, m.IssuesSynced, m.APILatency,
		m.ProjectsTracked, m.IssuesTracked, m.QueueDepth, m.WorkflowsActive,
	)
	return m
}

// ObserveAPI is an httpx.Observer recording upstream call latency.
func (m *Metrics) ObserveAPI(op string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.APILatency.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// RecordCycle records a finished orchestration cycle.
func (m *Metrics) RecordCycle(d time.Duration, failed bool) {
	status := "success"
	if failed {
		status = "failed"
	}
	m.SyncRuns.WithLabelValues(status).Inc()
	m.SyncDuration.Observe(d.Seconds())
}

// RecordSkip records an overlap-skipped cycle.
func (m *Metrics) RecordSkip() {
	m.SyncRuns.WithLabelValues("skipped").Inc()
}
