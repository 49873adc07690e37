package quantum

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/qutp/internal/quantum/metrics"
	"github.com/aetherflow/qutp/internal/quantum/telemetry"
	"github.com/aetherflow/qutp/internal/quantum/transport"
)

// Config bundles everything Bind/Dial/Listen need to build a Conn. It holds
// no wire-visible state of its own — every field either tunes the
// underlying transport.Conn or wires in an ambient concern (logging, FEC,
// tracing, pacing).
type Config struct {
	// TransportConfig tunes the underlying UDP socket.
	TransportConfig *transport.Config

	// Logger receives warnings about non-fatal conditions (a dropped
	// selective-ack extension, a failed retransmission). Nil disables
	// logging entirely.
	Logger *zap.Logger

	// FECEnabled additively protects outbound Data packets with a Reed-
	// Solomon parity stream; disabled by default since it is not part of
	// the wire format's core invariants.
	FECEnabled      bool
	FECDataShards   int
	FECParityShards int

	// Tracer records spans around handshake, Send and teardown. Nil
	// disables tracing entirely.
	Tracer *telemetry.Tracer

	// RateLimit, if non-nil, caps outbound byte throughput independently of
	// the congestion window — useful for sharing a link with other
	// traffic. Nil means no additional pacing beyond LEDBAT's own window.
	RateLimit *rate.Limiter

	// Metrics, if non-nil, receives per-connection counters and gauges after
	// every packet an internal receive processes. Nil disables metrics export
	// entirely.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with a production zap logger, FEC and
// tracing disabled, metrics export disabled, and no additional pacing.
func DefaultConfig() *Config {
	logger, _ := zap.NewProduction()
	tracer, _ := telemetry.New(telemetry.DefaultConfig())
	return &Config{
		TransportConfig: transport.DefaultConfig(),
		Logger:          logger,
		FECEnabled:      false,
		FECDataShards:   10,
		FECParityShards: 3,
		Tracer:          tracer,
		RateLimit:       nil,
		Metrics:         nil,
	}
}
