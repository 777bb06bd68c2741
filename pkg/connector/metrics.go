// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the router's Prometheus collectors.
type Metrics struct {
	events     *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	echoes     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. The pending
// task gauge reads chains on every scrape. A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer, chains *DeliveryChains) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "events_total",
			Help:      "Inbound events by kind and routing outcome.",
		}, []string{"direction", "kind", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "deliveries_total",
			Help:      "Outbound sends by direction, mechanism and result.",
		}, []string{"direction", "mechanism", "result"}),
		echoes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "echoes_suppressed_total",
			Help:      "Discord messages dropped as echoes of our own webhook sends.",
		}),
	}
	if reg == nil {
		return m
	}
	pending := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "delivery_pending",
		Help:      "Queued or running delivery tasks across all destinations.",
	}, func() float64 {
		return float64(chains.Total())
	})
	reg.MustRegister(m.events, m.deliveries, m.echoes, pending)
	return m
}

func (m *Metrics) event(direction string, kind EventKind, outcome Outcome) {
	m.events.WithLabelValues(direction, kind.String(), outcome.String()).Inc()
}

func (m *Metrics) delivery(direction, mechanism string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deliveries.WithLabelValues(direction, mechanism, result).Inc()
}
