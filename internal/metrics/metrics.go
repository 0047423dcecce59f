// Package metrics owns the prometheus registry and HTTP instrumentation.
// Label sets are restricted to method/route/status to avoid cardinality
// explosions from raw paths or client addresses.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/admitd/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec
	errorsTotal    *prometheus.CounterVec

	// admission controller metrics
	ratelimitDeniedTotal  prometheus.Counter
	ratelimitEvictedTotal prometheus.Counter
	ratelimitClients      prometheus.GaugeFunc
	ratelimitMaxRequests  prometheus.Gauge
	ratelimitWindow       prometheus.Gauge
	configUpdatesTotal    *prometheus.CounterVec

	profilingActive prometheus.Gauge
}

// ClientCounter reports how many clients the admission controller tracks.
type ClientCounter interface{ Len() int }

// New returns a fresh registry + standard collectors + HTTP metrics.
// clients may be nil until SetClientCounter is wired, the gauge reports 0
// in the meantime.
func New(clients ClientCounter) *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Total requests rejected by the admission controller",
		}),
		ratelimitEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_evicted_total",
			Help: "Total idle client entries removed by the background sweep",
		}),
		ratelimitMaxRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_max_requests",
			Help: "Active policy: admissions allowed per client per window",
		}),
		ratelimitWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_window_seconds",
			Help: "Active policy: window length in seconds",
		}),
		configUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_config_updates_total",
			Help: "Total runtime policy updates by outcome",
		}, []string{"outcome"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}

	m.ratelimitClients = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ratelimit_tracked_clients",
		Help: "Client entries currently tracked by the admission controller",
	}, func() float64 {
		if clients == nil {
			return 0
		}
		return float64(clients.Len())
	})

	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitEvictedTotal,
		m.ratelimitClients,
		m.ratelimitMaxRequests,
		m.ratelimitWindow,
		m.configUpdatesTotal,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) AddRateLimitEvicted(n int) {
	m.ratelimitEvictedTotal.Add(float64(n))
}

// SetPolicy reflects the active admission policy in gauges.
func (m *ServerMetrics) SetPolicy(maxRequests int, window time.Duration) {
	m.ratelimitMaxRequests.Set(float64(maxRequests))
	m.ratelimitWindow.Set(window.Seconds())
}

// IncConfigUpdate counts a runtime policy update, outcome is "ok" or "rejected".
func (m *ServerMetrics) IncConfigUpdate(outcome string) {
	m.configUpdatesTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}
