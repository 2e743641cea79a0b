// Package metrics exposes the proxy's operational counters as Prometheus
// collectors. The reactor updates these inline, on its own goroutine — they
// are plain atomic counters under the hood, never a source of contention
// or blocking on the hot path.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector this proxy registers. Construct one with
// New and pass it to reactor.Config.Metrics; Register it with a
// prometheus.Registerer (typically via internal/adminhttp) to make it
// scrapeable.
type Metrics struct {
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ActivePairs        prometheus.Gauge
	HandshakeRejects   prometheus.Counter
	BytesRelayed       prometheus.Counter
	HandshakeByStatus  *prometheus.CounterVec
}

// New constructs an unregistered Metrics with all collectors initialized to
// zero. Safe to use even if never registered with a Registerer — the
// reactor's calls to Inc/Add/Set are then just discarded counters.
func New() *Metrics {
	return &Metrics{
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socks_proxy",
			Name:      "connections_opened_total",
			Help:      "Total client connections accepted.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socks_proxy",
			Name:      "connections_closed_total",
			Help:      "Total tracked fds closed (client and target facing).",
		}),
		ActivePairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socks_proxy",
			Name:      "active_pairs",
			Help:      "Client/target pairs currently in the Relaying phase.",
		}),
		HandshakeRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socks_proxy",
			Name:      "handshake_rejects_total",
			Help:      "Handshakes that ended in the Rejected phase.",
		}),
		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socks_proxy",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes forwarded between paired client and target fds.",
		}),
		HandshakeByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socks_proxy",
			Name:      "handshake_reply_status_total",
			Help:      "CONNECT reply status codes sent to clients, by status.",
		}, []string{"status"}),
	}
}

// Register adds every collector to reg. Call once at startup.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ConnectionsOpened,
		m.ConnectionsClosed,
		m.ActivePairs,
		m.HandshakeRejects,
		m.BytesRelayed,
		m.HandshakeByStatus,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
