// Package metrics is the Stats Sink (C10): Prometheus counters and
// histograms for request volume/latency plus a breaker-state gauge per
// API path.
//
// Grounded on the teacher's internal/middleware/middleware.go promauto
// vars, generalized per-API and bound to a private registry (rather than
// the default global one) so tests can build more than one Sink without
// colliding — the teacher's main.go only ever builds one, so it never hit
// this.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Sink struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
}

func NewSink() *Sink {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Sink{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed by the gateway.",
		}, []string{"api", "method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request latencies.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"api", "method"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per API path: 0=closed, 1=half_open, 2=open.",
		}, []string{"api"}),
	}
}

func (s *Sink) Registry() *prometheus.Registry { return s.registry }

func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request's status and latency.
func (s *Sink) ObserveRequest(api, method string, status int, seconds float64) {
	s.requestsTotal.WithLabelValues(api, method, statusLabel(status)).Inc()
	s.requestDuration.WithLabelValues(api, method).Observe(seconds)
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

const (
	gaugeClosed   = 0
	gaugeHalfOpen = 1
	gaugeOpen     = 2
)

// BreakerObserver adapts breaker.Observer onto the breaker-state gauge,
// wired in without the breaker package depending on metrics at all
// (spec.md §9: explicit observer interface, not a structural dependency).
type BreakerObserver struct {
	sink *Sink
}

func (s *Sink) BreakerObserver() *BreakerObserver {
	return &BreakerObserver{sink: s}
}

func (o *BreakerObserver) OnOpen(path string)     { o.sink.breakerState.WithLabelValues(path).Set(gaugeOpen) }
func (o *BreakerObserver) OnClose(path string)    { o.sink.breakerState.WithLabelValues(path).Set(gaugeClosed) }
func (o *BreakerObserver) OnHalfOpen(path string) { o.sink.breakerState.WithLabelValues(path).Set(gaugeHalfOpen) }
func (o *BreakerObserver) OnRejected(string)      {}
