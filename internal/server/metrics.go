// Package server exposes Prometheus instrumentation for the relay.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics publishes registry and gateway gauges on a dedicated Prometheus
// registry, so independent server instances never collide on registration.
type Metrics struct {
	registry *prometheus.Registry
}

// NewMetrics registers gauges for the room count, joined member count, and
// open connection count, all sampled at scrape time.
func NewMetrics(reg *Registry, gateway *Gateway) *Metrics {
	promReg := prometheus.NewRegistry()

	promReg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "cloakroom_rooms",
			Help: "Number of active rooms.",
		},
		func() float64 {
			rooms, _ := reg.Stats()
			return float64(rooms)
		},
	))

	promReg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "cloakroom_room_members",
			Help: "Number of sessions currently joined to rooms.",
		},
		func() float64 {
			_, members := reg.Stats()
			return float64(members)
		},
	))

	promReg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "cloakroom_open_connections",
			Help: "Number of open WebSocket connections.",
		},
		func() float64 {
			return float64(gateway.openConns.Load())
		},
	))

	return &Metrics{registry: promReg}
}

// Handler exposes Prometheus metrics at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
