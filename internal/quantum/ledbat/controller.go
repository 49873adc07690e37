// Package ledbat implements the delay-based congestion controller described
// in RFC 6817 (Low Extra Delay Background Transport): a one-way queuing
// delay estimate drives the congestion window instead of packet loss, so the
// flow backs off before it builds a standing queue on the bottleneck link.
package ledbat

import "time"

const (
	// MSS is the maximum segment size in bytes, the unit cwnd is measured in.
	MSS = 1400

	// MinCwnd is the floor on the congestion window, in MSS-sized segments.
	MinCwnd = 2

	// InitCwnd is the starting congestion window, in MSS-sized segments.
	InitCwnd = 2

	// Target is the target queuing delay in microseconds (RFC 6817 §3).
	Target = 100_000

	// Gain controls how aggressively cwnd reacts to off-target queuing delay.
	Gain = 1.0

	// AllowedIncrease bounds the per-update cwnd growth, in MSS units.
	AllowedIncrease = 1

	// BaseHistory is the number of one-minute base-delay slots retained.
	BaseHistory = 10

	minCongestionTimeout = 500 * time.Millisecond
	maxCongestionTimeout = 60 * time.Second
	initCongestionTimeout = 1 * time.Second

	baseDelayWindow = 60 * time.Second
)

// delaySample is one base-delay observation: the peer-stamped send time and
// the local receive time that produced it.
type delaySample struct {
	receivedAt int64 // microseconds, local clock
	sentAt     int64 // microseconds, peer clock
}

// delayDiffSample is one current-delay observation.
type delayDiffSample struct {
	receivedAt int64
	difference int64
}

// Controller tracks the LEDBAT delay state and congestion window for a
// single connection. It is not safe for concurrent use — the state machine
// that owns it runs single-threaded, per the core's concurrency model.
type Controller struct {
	baseDelays    []delaySample
	currentDelays []delayDiffSample

	rttMs             int64
	rttVarMs          int64
	congestionTimeout time.Duration

	cwnd          uint32
	remoteWndSize uint32

	lastAckedTimestamp int64
}

// New returns a controller initialized to the starting congestion window
// and timeout mandated by RFC 6817.
func New() *Controller {
	return &Controller{
		cwnd:              InitCwnd * MSS,
		congestionTimeout: initCongestionTimeout,
	}
}

// Cwnd returns the current congestion window in bytes.
func (c *Controller) Cwnd() uint32 {
	return c.cwnd
}

// RemoteWndSize returns the peer's last advertised receive window.
func (c *Controller) RemoteWndSize() uint32 {
	return c.remoteWndSize
}

// RTTMillis returns the current smoothed RTT estimate, in milliseconds.
func (c *Controller) RTTMillis() int64 {
	return c.rttMs
}

// SetRemoteWndSize refreshes the peer's advertised receive window; the
// state machine calls this on every inbound packet, regardless of type.
func (c *Controller) SetRemoteWndSize(wnd uint32) {
	c.remoteWndSize = wnd
}

// CongestionTimeout returns the current retransmission timeout.
func (c *Controller) CongestionTimeout() time.Duration {
	return c.congestionTimeout
}

// LastAckedTimestamp returns the local microsecond clock value captured the
// last time a new cumulative ack was observed, used to stamp the
// timestamp-difference field of outbound replies.
func (c *Controller) LastAckedTimestamp() int64 {
	return c.lastAckedTimestamp
}

// NoteNewAck records that a new (non-duplicate) cumulative ack arrived at
// the given local microsecond timestamp.
func (c *Controller) NoteNewAck(nowMicros int64) {
	c.lastAckedTimestamp = nowMicros
}

// MaxInflight computes the send engine's inflight budget: the larger of the
// floor window and the smaller of our own congestion window and the peer's
// advertised receive window.
func (c *Controller) MaxInflight() uint32 {
	allowed := c.cwnd
	if c.remoteWndSize < allowed {
		allowed = c.remoteWndSize
	}
	floor := uint32(MinCwnd * MSS)
	if allowed < floor {
		return floor
	}
	return allowed
}

// UpdateBaseDelay folds a new one-way-delay sample into the base-delay
// history: a fresh minute pushes a new slot (evicting the oldest once
// BaseHistory is reached), otherwise the current slot keeps the smaller of
// its existing sample and the new one.
func (c *Controller) UpdateBaseDelay(sentAt, now int64) {
	if len(c.baseDelays) == 0 || now-c.baseDelays[0].receivedAt > baseDelayWindow.Microseconds() {
		if len(c.baseDelays) == BaseHistory {
			c.baseDelays = c.baseDelays[:len(c.baseDelays)-1]
		}
		c.baseDelays = append([]delaySample{{receivedAt: now, sentAt: sentAt}}, c.baseDelays...)
		return
	}
	if sentAt < c.baseDelays[0].sentAt {
		c.baseDelays[0] = delaySample{receivedAt: now, sentAt: sentAt}
	}
}

// UpdateCurrentDelay evicts samples received more than rttMs*100
// microseconds before now (every earlier sample while the RTT estimate is
// still 0) and appends a new delay-difference observation.
func (c *Controller) UpdateCurrentDelay(diff, now int64) {
	rttWindow := c.rttMs * 100
	i := 0
	for i < len(c.currentDelays) && now-c.currentDelays[i].receivedAt > rttWindow {
		i++
	}
	c.currentDelays = c.currentDelays[i:]
	c.currentDelays = append(c.currentDelays, delayDiffSample{receivedAt: now, difference: diff})
}

// FilteredCurrentDelay returns the EWMA of the current-delay samples with
// smoothing factor 0.333, as prescribed by RFC 6817.
func (c *Controller) FilteredCurrentDelay() int64 {
	if len(c.currentDelays) == 0 {
		return 0
	}
	const alpha = 0.333
	avg := float64(c.currentDelays[0].difference)
	for _, s := range c.currentDelays[1:] {
		avg = alpha*float64(s.difference) + (1-alpha)*avg
	}
	return int64(avg)
}

// MinBaseDelay returns the minimum one-way delay across the base-delay
// history.
func (c *Controller) MinBaseDelay() int64 {
	if len(c.baseDelays) == 0 {
		return 0
	}
	min := c.baseDelays[0].receivedAt - c.baseDelays[0].sentAt
	for _, s := range c.baseDelays[1:] {
		d := s.receivedAt - s.sentAt
		if d < min {
			min = d
		}
	}
	return min
}

// QueuingDelay is the excess one-way delay attributed to a standing queue,
// derived from the filtered current delay and the minimum observed base
// delay.
func (c *Controller) QueuingDelay() int64 {
	return abs64(c.FilteredCurrentDelay()) - abs64(c.MinBaseDelay())
}

// UpdateCongestionWindow applies the RFC 6817 window-growth equation. The
// update is skipped entirely if it would overflow cwnd, matching the
// reference implementation's checked-add semantics.
func (c *Controller) UpdateCongestionWindow(offTarget float64, currWindow, bytesNewlyAcked uint32) {
	if c.cwnd == 0 {
		c.cwnd = MinCwnd * MSS
	}
	delta := Gain * offTarget * float64(bytesNewlyAcked) * float64(MSS) / float64(c.cwnd)
	newCwnd := int64(c.cwnd) + int64(delta)
	if newCwnd < 0 || newCwnd > int64(^uint32(0)) {
		return
	}
	c.cwnd = uint32(newCwnd)

	maxAllowed := currWindow + AllowedIncrease*MSS
	if c.cwnd > maxAllowed {
		c.cwnd = maxAllowed
	}
	if c.cwnd < MinCwnd*MSS {
		c.cwnd = MinCwnd * MSS
	}
}

// UpdateCongestionTimeout folds a new RTT sample (derived from the queuing
// delay) into the smoothed RTT and its mean deviation, then recomputes the
// congestion timeout, clamped to [500ms, 60s].
func (c *Controller) UpdateCongestionTimeout(currentDelayMs int64) {
	delta := c.rttMs - currentDelayMs
	c.rttVarMs += (abs64(delta) - c.rttVarMs) / 4
	c.rttMs += (currentDelayMs - c.rttMs) / 8

	timeout := time.Duration(c.rttMs+4*c.rttVarMs) * time.Millisecond
	if timeout < minCongestionTimeout {
		timeout = minCongestionTimeout
	}
	if timeout > maxCongestionTimeout {
		timeout = maxCongestionTimeout
	}
	c.congestionTimeout = timeout
}

// OnRetransmissionTimeout applies the RFC 6817 response to an RTO: double
// the timeout and collapse the window to a single MSS, forcing a slow
// restart.
func (c *Controller) OnRetransmissionTimeout() {
	c.congestionTimeout *= 2
	if c.congestionTimeout > maxCongestionTimeout {
		c.congestionTimeout = maxCongestionTimeout
	}
	c.cwnd = MSS
}

// OnPacketLoss halves the congestion window in response to a detected loss
// (triple duplicate ack or a selective-ack-implied gap), floored at
// MinCwnd*MSS.
func (c *Controller) OnPacketLoss() {
	c.cwnd /= 2
	if c.cwnd < MinCwnd*MSS {
		c.cwnd = MinCwnd * MSS
	}
}

// Statistics returns a snapshot of the controller's externally interesting
// state, suitable for logging or export as metrics.
func (c *Controller) Statistics() map[string]interface{} {
	return map[string]interface{}{
		"cwnd":               c.cwnd,
		"remote_wnd_size":    c.remoteWndSize,
		"rtt_ms":             c.rttMs,
		"rtt_var_ms":         c.rttVarMs,
		"congestion_timeout": c.congestionTimeout,
		"base_delay_samples": len(c.baseDelays),
		"current_delay_samples": len(c.currentDelays),
	}
}

// Reset restores the controller to its initial state, used when a
// connection is re-established on the same struct.
func (c *Controller) Reset() {
	*c = *New()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
