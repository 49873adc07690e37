// Package metrics exposes Quantum uTP endpoint counters as Prometheus
// collectors, so a process embedding a Conn can serve them alongside its own
// metrics without reaching into Conn.Statistics() by hand.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects per-connection counters and gauges under a caller-chosen
// namespace/subsystem pair, so multiple endpoints in one process don't
// collide on metric names.
type Metrics struct {
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	Retransmissions *prometheus.CounterVec
	PacketsLost     *prometheus.CounterVec
	CongestionWindow *prometheus.GaugeVec
	RTTMillis        *prometheus.GaugeVec
}

// New registers and returns a Metrics collector. namespace and subsystem
// follow Prometheus naming convention (e.g. namespace "quantum", subsystem
// "utp").
func New(namespace, subsystem string) *Metrics {
	return &Metrics{
		PacketsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packets_sent_total", Help: "Total packets transmitted by connection.",
		}, []string{"conn"}),
		PacketsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packets_received_total", Help: "Total packets received by connection.",
		}, []string{"conn"}),
		BytesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "bytes_sent_total", Help: "Total bytes transmitted by connection, header included.",
		}, []string{"conn"}),
		BytesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "bytes_received_total", Help: "Total bytes received by connection, header included.",
		}, []string{"conn"}),
		Retransmissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "retransmissions_total", Help: "Total retransmission timeouts fired by connection.",
		}, []string{"conn"}),
		PacketsLost: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packets_lost_total", Help: "Total loss events the loss detector registered.",
		}, []string{"conn"}),
		CongestionWindow: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "congestion_window_bytes", Help: "Current LEDBAT congestion window.",
		}, []string{"conn"}),
		RTTMillis: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "rtt_milliseconds", Help: "Current smoothed RTT estimate.",
		}, []string{"conn"}),
	}
}

// Observe folds one connection's endpoint and congestion statistics into the
// collector, labelled by connID.
func (m *Metrics) Observe(connID string, stats Snapshot) {
	m.PacketsSent.WithLabelValues(connID).Add(float64(stats.PacketsSentDelta))
	m.PacketsReceived.WithLabelValues(connID).Add(float64(stats.PacketsReceivedDelta))
	m.BytesSent.WithLabelValues(connID).Add(float64(stats.BytesSentDelta))
	m.BytesReceived.WithLabelValues(connID).Add(float64(stats.BytesReceivedDelta))
	m.Retransmissions.WithLabelValues(connID).Add(float64(stats.RetransmissionsDelta))
	m.PacketsLost.WithLabelValues(connID).Add(float64(stats.PacketsLostDelta))
	m.CongestionWindow.WithLabelValues(connID).Set(float64(stats.CongestionWindow))
	m.RTTMillis.WithLabelValues(connID).Set(float64(stats.RTTMillis))
}

// Snapshot is the delta/gauge bundle Observe folds into the collector. The
// caller computes deltas itself since Conn.Statistics() returns cumulative
// counters.
type Snapshot struct {
	PacketsSentDelta     uint64
	PacketsReceivedDelta uint64
	BytesSentDelta       uint64
	BytesReceivedDelta   uint64
	RetransmissionsDelta uint64
	PacketsLostDelta     uint64
	CongestionWindow     uint32
	RTTMillis            int64
}
