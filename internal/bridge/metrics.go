package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors. A fresh registry per
// server keeps tests isolated from the default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	OpensTotal       *prometheus.CounterVec
	OpenConflicts    prometheus.Counter
	ActiveMonitors   prometheus.Gauge
	ConnectedClients prometheus.Gauge
	Attachments      prometheus.Gauge
	StreamedBytes    *prometheus.CounterVec
	WrittenBytes     prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.OpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portino_monitor_opens_total",
			Help: "Total monitor open requests by outcome",
		},
		[]string{"outcome"},
	)
	m.OpenConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portino_monitor_open_conflicts_total",
		Help: "Opens rejected because the port is held with a different configuration",
	})
	m.ActiveMonitors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portino_active_monitors",
		Help: "Monitor handles currently open",
	})
	m.ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portino_connected_clients",
		Help: "Control connections currently established",
	})
	m.Attachments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portino_attachments",
		Help: "Consumers attached via the HTTP control surface",
	})
	m.StreamedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portino_streamed_bytes_total",
			Help: "Bytes streamed to subscribers by port",
		},
		[]string{"port"},
	)
	m.WrittenBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portino_written_bytes_total",
		Help: "Bytes written to ports on behalf of clients",
	})

	m.Registry.MustRegister(
		m.OpensTotal,
		m.OpenConflicts,
		m.ActiveMonitors,
		m.ConnectedClients,
		m.Attachments,
		m.StreamedBytes,
		m.WrittenBytes,
	)
	return m
}
