// Package metrics exposes Prometheus collectors for analysis, uploads and
// the HTTP control surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eargollo/vidlift/internal/limiter"
	"github.com/eargollo/vidlift/internal/progress"
)

const namespace = "vidlift"

// Metrics holds every collector on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	CacheLookups  *prometheus.CounterVec
	ToolRuns      *prometheus.CounterVec
	ToolDuration  *prometheus.HistogramVec
	ChunksSent    prometheus.Counter
	BytesUploaded prometheus.Counter
	Uploads       *prometheus.CounterVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors. lim may be nil.
func New(lim *limiter.Limiter) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_cache_lookups_total",
			Help:      "Fingerprint cache lookups by result.",
		}, []string{"result"}),

		ToolRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "External analysis tool invocations.",
		}, []string{"tool", "status"}),

		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "External analysis tool run time.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"tool"}),

		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_chunks_total",
			Help:      "Chunks accepted by the remote.",
		}),

		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted by the remote.",
		}),

		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_finished_total",
			Help:      "Transfer loops that exited, by final status.",
		}, []string{"status"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CacheLookups, m.ToolRuns, m.ToolDuration,
		m.ChunksSent, m.BytesUploaded, m.Uploads,
		m.HTTPRequests, m.HTTPRequestDuration,
	)

	if lim != nil {
		m.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_capacity",
				Help:      "Maximum concurrent heavy operations.",
			}, func() float64 { return float64(lim.Capacity()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_running",
				Help:      "Heavy operations holding a slot.",
			}, func() float64 { return float64(lim.Status().Running) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "limiter_queue_depth",
				Help:      "Heavy operations waiting for a slot.",
			}, func() float64 { return float64(lim.Status().QueueDepth) }),
		)
	}
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// CacheLookup records a fingerprint cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// ToolRun records one external tool invocation.
func (m *Metrics) ToolRun(tool string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ToolRuns.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(took.Seconds())
}

// ChunkSent records bytes the remote acknowledged for one chunk.
func (m *Metrics) ChunkSent(bytes int64) {
	m.ChunksSent.Inc()
	m.BytesUploaded.Add(float64(bytes))
}

// UploadFinished records the terminal status of a transfer loop.
func (m *Metrics) UploadFinished(status progress.Status) {
	m.Uploads.WithLabelValues(string(status)).Inc()
}

// Middleware counts requests by chi route pattern so path parameters do not
// explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
