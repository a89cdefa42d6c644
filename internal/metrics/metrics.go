package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wudi/wasmbridge/internal/middleware"
	"github.com/wudi/wasmbridge/wasm"
)

// Collector tracks server and plugin metrics for Prometheus export.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with its own prometheus registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmbridge_requests_total",
			Help: "Completed HTTP requests by method and status.",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wasmbridge_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(c.requestsTotal, c.requestDuration)
	return c
}

// RegisterPlugins exposes per-plugin bridge counters sourced from the
// registry's stats snapshots.
func (c *Collector) RegisterPlugins(stats func() map[string]wasm.Stats) {
	c.registry.MustRegister(&pluginCollector{stats: stats})
}

// Handler returns the /metrics endpoint handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations.
func (c *Collector) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			c.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
			c.requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// pluginCollector projects wasm.Stats snapshots as prometheus counters.
type pluginCollector struct {
	stats func() map[string]wasm.Stats
}

var (
	descInvocations = prometheus.NewDesc(
		"wasmbridge_guest_invocations_total",
		"Guest handler invocations by plugin and phase.",
		[]string{"plugin", "phase"}, nil)
	descTraps = prometheus.NewDesc(
		"wasmbridge_guest_traps_total",
		"Guest traps by plugin.",
		[]string{"plugin"}, nil)
	descTimeouts = prometheus.NewDesc(
		"wasmbridge_guest_timeouts_total",
		"Guest invocation timeouts by plugin.",
		[]string{"plugin"}, nil)
	descPoolMisses = prometheus.NewDesc(
		"wasmbridge_pool_misses_total",
		"Instance pool misses by plugin.",
		[]string{"plugin"}, nil)
)

func (p *pluginCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descInvocations
	ch <- descTraps
	ch <- descTimeouts
	ch <- descPoolMisses
}

func (p *pluginCollector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range p.stats() {
		ch <- prometheus.MustNewConstMetric(descInvocations, prometheus.CounterValue,
			float64(s.RequestInvocations), name, "request")
		ch <- prometheus.MustNewConstMetric(descInvocations, prometheus.CounterValue,
			float64(s.ResponseInvocations), name, "response")
		ch <- prometheus.MustNewConstMetric(descTraps, prometheus.CounterValue,
			float64(s.Traps), name)
		ch <- prometheus.MustNewConstMetric(descTimeouts, prometheus.CounterValue,
			float64(s.Timeouts), name)
		ch <- prometheus.MustNewConstMetric(descPoolMisses, prometheus.CounterValue,
			float64(s.Pool.PoolMisses), name)
	}
}
