// Package metrics holds the Prometheus collectors for the relay and the
// interception hub. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	RelayRequests   *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
	TokensSigned    prometheus.Counter
	Detections      *prometheus.CounterVec
	InterceptExpiry prometheus.Counter
	OriginHealth    *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cinerelay_relay_requests_total",
			Help: "Stream relay requests by outcome.",
		}, []string{"outcome"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cinerelay_relay_rejections_total",
			Help: "Rejected relay requests by reason.",
		}, []string{"reason"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cinerelay_upstream_errors_total",
			Help: "Upstream fetch failures by kind.",
		}, []string{"kind"}),
		TokensSigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cinerelay_tokens_signed_total",
			Help: "Playback tokens issued.",
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cinerelay_intercept_detections_total",
			Help: "Intercepted sources by detection channel.",
		}, []string{"via"}),
		InterceptExpiry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cinerelay_intercept_timeouts_total",
			Help: "Interception sessions that ended without a source.",
		}),
		OriginHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cinerelay_origin_healthy",
			Help: "Last probe result per origin host (1 healthy, 0 down).",
		}, []string{"host"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.RelayRequests,
		m.Rejections,
		m.UpstreamErrors,
		m.TokensSigned,
		m.Detections,
		m.InterceptExpiry,
		m.OriginHealth,
	)
	return m
}

// NewDefault registers on a new registry that also carries the Go runtime
// and process collectors.
func NewDefault() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.RelayRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reject(reason string) {
	if m == nil {
		return
	}
	m.RelayRequests.WithLabelValues("rejected").Inc()
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Upstream(kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Signed() {
	if m == nil {
		return
	}
	m.TokensSigned.Inc()
}

func (m *Metrics) Detected(via string) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(via).Inc()
}

func (m *Metrics) InterceptTimeout() {
	if m == nil {
		return
	}
	m.InterceptExpiry.Inc()
}

func (m *Metrics) Health(host string, ok bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	m.OriginHealth.WithLabelValues(host).Set(v)
}
