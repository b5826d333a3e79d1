// Package metrics exposes Prometheus counters for the exit queue and the
// reconciliation sweep.
package metrics

import (
	"net/http"
	"time"

	"squareoff/go_src/job_queue"
	"squareoff/go_src/reconcile"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "squareoff"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ExitTasks          *prometheus.CounterVec
	ExitRetryDelay     prometheus.Histogram
	ReconcileRuns      *prometheus.CounterVec
	ReconcileItems     *prometheus.CounterVec
	ReconcileDuration  prometheus.Histogram
	ExitTasksScheduled *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ExitTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exit_tasks_total",
			Help:      "Auto-exit tasks handled, by outcome.",
		}, []string{"outcome"}),
		ExitRetryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exit_retry_delay_seconds",
			Help:      "Backoff applied to retried auto-exit tasks.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs, by result.",
		}, []string{"result"}),
		ReconcileItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_items_total",
			Help:      "Positions evaluated by reconciliation, by result.",
		}, []string{"result"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Wall time of a reconciliation run.",
			Buckets:   prometheus.LinearBuckets(0.05, 0.25, 12),
		}),
		ExitTasksScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exit_tasks_scheduled_total",
			Help:      "Exit tasks enqueued by the scheduler, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.ExitTasks,
		m.ExitRetryDelay,
		m.ReconcileRuns,
		m.ReconcileItems,
		m.ReconcileDuration,
		m.ExitTasksScheduled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// QueueHooks feeds consumer outcomes into the exit task counters.
func (m *Metrics) QueueHooks() job_queue.Hooks {
	return job_queue.Hooks{
		OnCompleted: func(_ job_queue.ExitTask, _ job_queue.Outcome) {
			m.ExitTasks.WithLabelValues("done").Inc()
		},
		OnRetry: func(_ job_queue.ExitTask, _ job_queue.Outcome, delay time.Duration) {
			m.ExitTasks.WithLabelValues("retry").Inc()
			m.ExitRetryDelay.Observe(delay.Seconds())
		},
		OnFailed: func(_ job_queue.ExitTask, _ string) {
			m.ExitTasks.WithLabelValues("failed").Inc()
		},
	}
}

// ObserveReconcile records one run. err is the run-level error, if any.
func (m *Metrics) ObserveReconcile(report reconcile.Report, err error) {
	if err != nil {
		m.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}
	m.ReconcileRuns.WithLabelValues("ok").Inc()
	m.ReconcileDuration.Observe(report.Duration.Seconds())
	m.ReconcileItems.WithLabelValues("closed").Add(float64(report.Closed))
	m.ReconcileItems.WithLabelValues("open").Add(float64(report.Checked - report.Closed))
	m.ReconcileItems.WithLabelValues("error").Add(float64(report.Failed))
}

// ObserveScheduled records the result of enqueueing one exit task.
func (m *Metrics) ObserveScheduled(err error) {
	if err != nil {
		m.ExitTasksScheduled.WithLabelValues("error").Inc()
		return
	}
	m.ExitTasksScheduled.WithLabelValues("ok").Inc()
}

// Serve starts a /metrics listener on addr. The returned server is owned by
// the caller; a listener error other than http.ErrServerClosed goes to errs.
func (m *Metrics) Serve(addr string, errs chan<- error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	return srv
}
