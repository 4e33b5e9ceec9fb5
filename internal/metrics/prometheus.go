// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler() and served
// on the management port, never on the proxy port — every proxy-port path
// belongs to the backends.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests{backend}
	inFlight *prometheus.GaugeVec

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_dispatch_duration_seconds{route}
	dispatchDuration *prometheus.HistogramVec

	// proxy_probes_total{backend,outcome}
	probesTotal *prometheus.CounterVec

	// proxy_upstream_attempts_total{backend,outcome}
	upstreamAttempts *prometheus.CounterVec

	// proxy_forward_exhausted_total{backend}
	forwardExhausted *prometheus.CounterVec

	// proxy_auth_rejections_total
	authRejections prometheus.Counter

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_inflight_requests",
				Help: "Current number of requests dispatched to each backend",
			},
			[]string{"backend"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_dispatch_duration_seconds",
				Help:    "End-to-end dispatch duration in seconds (auth to response headers)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_probes_total",
				Help: "Total liveness probes by backend and outcome (live|dead)",
			},
			[]string{"backend", "outcome"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_attempts_total",
				Help: "Total upstream forward attempts by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		forwardExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_forward_exhausted_total",
				Help: "Forward attempts exhausted without any upstream response",
			},
			[]string{"backend"},
		),

		authRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_auth_rejections_total",
			Help: "Requests rejected by bearer authentication",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
				Help: "Build information (value is always 1)",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.dispatchDuration,
		r.probesTotal,
		r.upstreamAttempts,
		r.forwardExhausted,
		r.authRejections,
		r.buildInfo,
	)

	return r
}

// Handler returns the /metrics HTTP handler for the management listener.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetBuildInfo publishes the build version gauge.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetInFlight records a backend's current queue depth.
func (r *Registry) SetInFlight(backend string, depth int64) {
	r.inFlight.WithLabelValues(backend).Set(float64(depth))
}

// ObserveDispatch records one completed dispatch.
func (r *Registry) ObserveDispatch(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.dispatchDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordProbe records one liveness probe outcome.
func (r *Registry) RecordProbe(backend string, live bool) {
	outcome := "dead"
	if live {
		outcome = "live"
	}
	r.probesTotal.WithLabelValues(backend, outcome).Inc()
}

// RecordAttempt records one upstream forward attempt outcome
// (response | timeout | transport_error).
func (r *Registry) RecordAttempt(backend, outcome string) {
	r.upstreamAttempts.WithLabelValues(backend, outcome).Inc()
}

// RecordExhausted records a backend whose forward attempts all failed.
func (r *Registry) RecordExhausted(backend string) {
	r.forwardExhausted.WithLabelValues(backend).Inc()
}

// RecordAuthRejection records one 403 from bearer authentication.
func (r *Registry) RecordAuthRejection() {
	r.authRejections.Inc()
}
