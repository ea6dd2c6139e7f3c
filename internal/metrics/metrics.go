// Package metrics exposes gateway counters in Prometheus format.
//
// Metrics:
//   - chatgate_requests_total: forwarded and local HTTP requests by route and status class
//   - chatgate_request_duration_seconds: time to response completion by route
//   - chatgate_upgrades_total: upgrade handshakes by route and result
//   - chatgate_location_rewrites_total: Location header rewrite outcomes
//   - chatgate_upstream_errors_total: failed upstream round trips by route
//   - chatgate_egress_proxy_healthy: 1 when an egress proxy passed its last probe
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatgate"

// Rewrite outcomes for Location headers.
const (
	RewriteApplied   = "applied"
	RewriteUnchanged = "unchanged"
	RewriteFailed    = "failed"
)

// Recorder owns the gateway collectors and their registry.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upgradesTotal    *prometheus.CounterVec
	locationRewrites *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	egressHealthy    *prometheus.GaugeVec
}

// New registers the gateway collectors on a fresh registry together with
// the Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"route", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route"},
		),
		upgradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upgrades_total",
				Help:      "Total number of protocol upgrade handshakes",
			},
			[]string{"route", "result"},
		),
		locationRewrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "location_rewrites_total",
				Help:      "Outcomes of Location header rewriting",
			},
			[]string{"result"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Total number of failed upstream round trips",
			},
			[]string{"route"},
		),
		egressHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "egress_proxy_healthy",
				Help:      "Whether an egress proxy passed its last health probe",
			},
			[]string{"proxy"},
		),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.upgradesTotal,
		r.locationRewrites,
		r.upstreamErrors,
		r.egressHealthy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// ObserveRequest records a completed HTTP request. Route is the served
// route name, "healthz" or "none".
func (r *Recorder) ObserveRequest(route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(route, statusClass(status)).Inc()
	r.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveUpgrade records an upgrade handshake outcome.
func (r *Recorder) ObserveUpgrade(route, result string) {
	if r == nil {
		return
	}
	r.upgradesTotal.WithLabelValues(route, result).Inc()
}

// ObserveLocationRewrite records a Location rewrite outcome.
func (r *Recorder) ObserveLocationRewrite(result string) {
	if r == nil {
		return
	}
	r.locationRewrites.WithLabelValues(result).Inc()
}

// ObserveUpstreamError records a failed upstream round trip.
func (r *Recorder) ObserveUpstreamError(route string) {
	if r == nil {
		return
	}
	r.upstreamErrors.WithLabelValues(route).Inc()
}

// SetEgressHealth implements the upstream pool health observer.
func (r *Recorder) SetEgressHealth(proxy string, healthy bool) {
	if r == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	r.egressHealthy.WithLabelValues(proxy).Set(v)
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status/100) + "xx"
}
