// Package metrics exposes controller counters to Prometheus. Every
// method is safe on a nil *Metrics so components can be built without
// a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "doorbell"

// Metrics holds the controller's collectors.
type Metrics struct {
	registry *prometheus.Registry

	scans          *prometheus.CounterVec
	publishes      *prometheus.CounterVec
	brokerConnects *prometheus.CounterVec
	securityEvents prometheus.Counter
	mode           *prometheus.GaugeVec
	link           *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_edges_total",
			Help:      "Scan outcome edges by outcome.",
		}, []string{"outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_publishes_total",
			Help:      "Broker publishes by topic suffix and result.",
		}, []string{"topic", "result"}),
		brokerConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_connect_attempts_total",
			Help:      "Broker connection attempts by result.",
		}, []string{"result"}),
		securityEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security log lines (pairing mismatch, suppressed matches).",
		}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "1 for the current operating mode, 0 otherwise.",
		}, []string{"mode"}),
		link: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_up",
			Help:      "1 when the link is up.",
		}, []string{"link"}),
	}
	m.registry.MustRegister(
		m.scans, m.publishes, m.brokerConnects, m.securityEvents, m.mode, m.link,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ScanEdge counts a scan outcome edge.
func (m *Metrics) ScanEdge(outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(outcome).Inc()
}

// Publish counts a telemetry publish attempt.
func (m *Metrics) Publish(topic string, ok bool) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(topic, result(ok)).Inc()
}

// BrokerConnect counts a broker connection attempt. Result is "ok",
// "refused", "auth_rejected" or "error".
func (m *Metrics) BrokerConnect(res string) {
	if m == nil {
		return
	}
	m.brokerConnects.WithLabelValues(res).Inc()
}

// SecurityEvent counts a security log line.
func (m *Metrics) SecurityEvent() {
	if m == nil {
		return
	}
	m.securityEvents.Inc()
}

// SetMode marks current as the active mode among all.
func (m *Metrics) SetMode(current string, all []string) {
	if m == nil {
		return
	}
	for _, name := range all {
		v := 0.0
		if name == current {
			v = 1
		}
		m.mode.WithLabelValues(name).Set(v)
	}
}

// SetLink records a link state.
func (m *Metrics) SetLink(link string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.link.WithLabelValues(link).Set(v)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
