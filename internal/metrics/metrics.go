// Package metrics holds the Prometheus collectors of the chat server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	messages  *prometheus.CounterVec
	pushed    *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	connected prometheus.Gauge
	timers    prometheus.Gauge
	expired   prometheus.Counter
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsubame",
			Name:      "messages_submitted_total",
			Help:      "Message submissions by outcome.",
		}, []string{"result"}),
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsubame",
			Name:      "events_pushed_total",
			Help:      "Events written to a live connection.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsubame",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the target was offline or its buffer was full.",
		}, []string{"type"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tsubame",
			Name:      "connected_users",
			Help:      "Users with a live connection.",
		}),
		timers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tsubame",
			Name:      "expiry_timers",
			Help:      "Armed disappearing message timers.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsubame",
			Name:      "messages_expired_total",
			Help:      "Disappearing messages that expired.",
		}),
	}
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.messages, m.pushed, m.dropped, m.connected, m.timers, m.expired,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Submitted(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) Pushed(eventType string) {
	if m == nil {
		return
	}
	m.pushed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Dropped(eventType string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetConnected(n int) {
	if m == nil {
		return
	}
	m.connected.Set(float64(n))
}

func (m *Metrics) SetTimers(n int) {
	if m == nil {
		return
	}
	m.timers.Set(float64(n))
}

func (m *Metrics) Expired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}
