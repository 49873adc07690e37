package quantum

import "errors"

// Sentinel errors surfaced across the endpoint's public API. A Timeout is
// deliberately not among them: it is recovered internally by the send/recv
// engine and never escapes as an error the caller must handle specially.
var (
	// ErrConnectionFailed is returned by Connect when the handshake received
	// a non-State reply or exhausted its retry budget.
	ErrConnectionFailed = errors.New("quantum: connection failed")

	// ErrConnectionReset is returned by Recv/Send once a Reset packet has
	// been observed.
	ErrConnectionReset = errors.New("quantum: connection reset by peer")

	// ErrClosed is returned by operations on an endpoint that has reached
	// the Closed state.
	ErrClosed = errors.New("quantum: use of closed connection")

	// ErrProtocolViolation marks an (state, packet type) pair the state
	// machine has no transition for — a programmer error in the peer, or in
	// this implementation, never an expected runtime condition.
	ErrProtocolViolation = errors.New("quantum: protocol violation")
)
