package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry        *prometheus.Registry
	roomsActive     prometheus.Gauge
	peers           prometheus.Gauge
	messages        *prometheus.CounterVec
	upgradeFailures prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_rooms_active",
			Help: "Rooms with at least one connected peer.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_peers_connected",
			Help: "Connected websocket peers.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_messages_total",
			Help: "Routed signaling messages by type.",
		}, []string{"type"}),
		upgradeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_upgrade_failures_total",
			Help: "Failed websocket upgrades.",
		}),
	}
	m.registry.MustRegister(m.roomsActive, m.peers, m.messages, m.upgradeFailures)
	return m
}
