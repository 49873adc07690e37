package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveAccumulatesCountersAndSetsGauges(t *testing.T) {
	m := New("quantum_metrics_test", "conn")

	m.Observe("conn-a", Snapshot{
		PacketsSentDelta:     3,
		PacketsReceivedDelta: 2,
		BytesSentDelta:       1400,
		BytesReceivedDelta:   900,
		RetransmissionsDelta: 1,
		PacketsLostDelta:     1,
		CongestionWindow:     2800,
		RTTMillis:            120,
	})
	m.Observe("conn-a", Snapshot{
		PacketsSentDelta: 2,
		BytesSentDelta:   600,
		CongestionWindow: 2100,
		RTTMillis:        90,
	})

	if got := testutil.ToFloat64(m.PacketsSent.WithLabelValues("conn-a")); got != 5 {
		t.Errorf("expected 5 packets sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.BytesSent.WithLabelValues("conn-a")); got != 2000 {
		t.Errorf("expected 2000 bytes sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.Retransmissions.WithLabelValues("conn-a")); got != 1 {
		t.Errorf("expected 1 retransmission, got %v", got)
	}
	// Gauges hold the most recent value, not an accumulation.
	if got := testutil.ToFloat64(m.CongestionWindow.WithLabelValues("conn-a")); got != 2100 {
		t.Errorf("expected cwnd gauge to read the latest sample 2100, got %v", got)
	}
	if got := testutil.ToFloat64(m.RTTMillis.WithLabelValues("conn-a")); got != 90 {
		t.Errorf("expected rtt gauge to read the latest sample 90, got %v", got)
	}
}
