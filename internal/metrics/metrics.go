// Package metrics exposes job, queue and HTTP metrics in the Prometheus text
// format on a private registry.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"librarian/internal/queue"
)

const namespace = "librarian"

// Job outcomes recorded on librarian_jobs_total.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// StatsFunc reports the job counts per queue at scrape time.
type StatsFunc func(ctx context.Context) (map[string]queue.Counts, error)

// Metrics owns the registry and the collectors written by the daemon.
type Metrics struct {
	registry     *prometheus.Registry
	jobs         *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a registry with the process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished job deliveries by queue and outcome.",
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of job deliveries.",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"queue"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobs, m.jobDuration, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Attach records every outcome of w.
func (m *Metrics) Attach(w *queue.Worker) {
	w.OnCompleted(func(job *queue.Job, _ json.RawMessage) { m.observe(job, OutcomeCompleted) })
	w.OnFailed(func(job *queue.Job, _ error) {
		if job.State == queue.StateFailed {
			m.observe(job, OutcomeFailed)
			return
		}
		m.observe(job, OutcomeRetried)
	})
}

func (m *Metrics) observe(job *queue.Job, outcome string) {
	m.jobs.WithLabelValues(job.Queue, outcome).Inc()
	if !job.ProcessedAt.IsZero() {
		end := job.FinishedAt
		if end.IsZero() {
			end = time.Now()
		}
		m.jobDuration.WithLabelValues(job.Queue).Observe(end.Sub(job.ProcessedAt).Seconds())
	}
}

// RegisterQueueStats exports librarian_queue_jobs{queue,state} read from fn
// on every scrape.
func (m *Metrics) RegisterQueueStats(fn StatsFunc) error {
	return m.registry.Register(&queueCollector{stats: fn})
}

// RegisterCacheStats exports material lookup cache hits and misses.
func (m *Metrics) RegisterCacheStats(fn func() (hits, misses int64)) error {
	hits := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "material_cache_hits_total",
		Help:      "Material lookups served from the cache.",
	}, func() float64 { h, _ := fn(); return float64(h) })
	misses := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "material_cache_misses_total",
		Help:      "Material lookups that reached the backing store.",
	}, func() float64 { _, mi := fn(); return float64(mi) })
	if err := m.registry.Register(hits); err != nil {
		return err
	}
	return m.registry.Register(misses)
}

// Middleware counts requests by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

var queueJobsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "queue_jobs"),
	"Jobs per queue and state.",
	[]string{"queue", "state"}, nil,
)

type queueCollector struct {
	stats StatsFunc
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- queueJobsDesc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := c.stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(queueJobsDesc, err)
		return
	}
	for name, counts := range stats {
		for state, n := range map[queue.State]int64{
			queue.StateWaiting:   counts.Waiting,
			queue.StateDelayed:   counts.Delayed,
			queue.StateActive:    counts.Active,
			queue.StateCompleted: counts.Completed,
			queue.StateFailed:    counts.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(n), name, string(state))
		}
	}
}
