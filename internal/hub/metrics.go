package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metrics are registered on a per-server registry so several hubs can run in
// one process (tests).
type metrics struct {
	reg *prometheus.Registry

	storeConns   prometheus.Gauge
	brokerPeers  prometheus.Gauge
	storeWrites  *prometheus.CounterVec
	signals      *prometheus.CounterVec
	rateLimited  prometheus.Counter
	uploadsSoFar prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		storeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_store_connections",
			Help: "Open store websocket connections.",
		}),
		brokerPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_broker_peers",
			Help: "Peers connected to the broker.",
		}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_store_writes_total",
			Help: "Store write requests by collection and op.",
		}, []string{"coll", "op"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_broker_signals_total",
			Help: "Signals relayed by the broker, by type.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_rate_limited_total",
			Help: "Store frames rejected by the per-connection rate limit.",
		}),
		uploadsSoFar: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_uploads_total",
			Help: "Presigned upload URLs issued.",
		}),
	}
	m.reg.MustRegister(
		m.storeConns, m.brokerPeers, m.storeWrites, m.signals, m.rateLimited, m.uploadsSoFar,
		collectors.NewGoCollector(),
	)
	return m
}
